// Package wire implements the length-prefixed TCP framing and the
// self-describing JSON request/response records the Service exchanges with
// clients: a 4-byte big-endian length followed by that many body bytes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// maxBodySize bounds a single message body, guarding against a
// misbehaving or hostile peer claiming an unbounded length prefix.
const maxBodySize = 64 << 20 // 64 MiB

// Method is one of the four operations a Request may name.
type Method string

const (
	MethodQuery   Method = "query"
	MethodAdd     Method = "add"
	MethodReindex Method = "reindex"
	MethodStats   Method = "stats"
)

// Request is the wire-level envelope: method plus a per-method body
// payload, JSON-encoded.
type Request struct {
	Method Method `json:"method"`
	Body   string `json:"body"`
}

// QueryBody is the decoded body of a "query" Request.
type QueryBody struct {
	Text    string   `json:"text"`
	Filters []string `json:"filters"`
	K       uint32   `json:"k"`
}

// AddBody is the decoded body of an "add" Request: either a raw text
// source or a path to embed whole.
type AddBody struct {
	Filepath string `json:"filepath,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ReindexBody is the decoded body of a "reindex" Request.
type ReindexBody struct {
	Filepath string `json:"filepath"`
}

// SourceRef mirrors pkg/block.SourceRef over the wire: subset is present
// only when the embedding covers a byte range rather than a whole file.
type SourceRef struct {
	Filepath string  `json:"filepath"`
	Subset   *[2]uint64 `json:"subset,omitempty"`
}

// Result is one ranked hit in a query Response.
type Result struct {
	Source SourceRef `json:"source"`
	Score  float32   `json:"score"`
}

// StatsResult carries an engine Stats snapshot in a stats Response.
type StatsResult struct {
	EmbeddingCount int     `json:"embedding_count"`
	GraphSize      int     `json:"graph_size"`
	CachedVectors  int     `json:"cached_vectors"`
	TombstoneRatio float64 `json:"tombstone_ratio"`
}

// Response is the wire-level reply: Results, Stats, or Error is set
// (never more than one meaningfully populated).
type Response struct {
	Results []Result    `json:"results,omitempty"`
	Stats   *StatsResult `json:"stats,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EncodeQueryBody marshals a QueryBody into a Request's body string.
func EncodeQueryBody(b QueryBody) (string, error) {
	return marshalBody(b)
}

// DecodeQueryBody unmarshals a "query" Request's body string.
func DecodeQueryBody(body string) (QueryBody, error) {
	var b QueryBody
	err := unmarshalBody(body, &b)
	return b, err
}

// EncodeAddBody marshals an AddBody into a Request's body string.
func EncodeAddBody(b AddBody) (string, error) {
	return marshalBody(b)
}

// DecodeAddBody unmarshals an "add" Request's body string.
func DecodeAddBody(body string) (AddBody, error) {
	var b AddBody
	err := unmarshalBody(body, &b)
	return b, err
}

// EncodeReindexBody marshals a ReindexBody into a Request's body string.
func EncodeReindexBody(b ReindexBody) (string, error) {
	return marshalBody(b)
}

// DecodeReindexBody unmarshals a "reindex" Request's body string.
func DecodeReindexBody(body string) (ReindexBody, error) {
	var b ReindexBody
	err := unmarshalBody(body, &b)
	return b, err
}

func marshalBody(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", verrors.Wrap("marshalBody", verrors.Io, err)
	}
	return string(data), nil
}

func unmarshalBody(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return verrors.Wrap("unmarshalBody", verrors.Io, err)
	}
	return nil
}

// WriteMessage frames body with its big-endian u32 length prefix and
// writes both to w.
func WriteMessage(w io.Writer, body []byte) error {
	if len(body) > maxBodySize {
		return verrors.Wrap("WriteMessage", verrors.Io, fmt.Errorf("body of %d bytes exceeds max %d", len(body), maxBodySize))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return verrors.Wrap("WriteMessage", verrors.Io, err)
	}
	if _, err := w.Write(body); err != nil {
		return verrors.Wrap("WriteMessage", verrors.Io, err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message's body from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, verrors.Wrap("ReadMessage", verrors.Io, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxBodySize {
		return nil, verrors.Wrap("ReadMessage", verrors.Io, fmt.Errorf("declared body length %d exceeds max %d", n, maxBodySize))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, verrors.Wrap("ReadMessage", verrors.Io, err)
	}
	return body, nil
}

// WriteRequest encodes req as JSON and writes it as a framed message.
func WriteRequest(w io.Writer, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return verrors.Wrap("WriteRequest", verrors.Io, err)
	}
	return WriteMessage(w, data)
}

// ReadRequest reads one framed message from r and decodes it as a Request.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := ReadMessage(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, verrors.Wrap("ReadRequest", verrors.Io, err)
	}
	return req, nil
}

// WriteResponse encodes resp as JSON and writes it as a framed message.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return verrors.Wrap("WriteResponse", verrors.Io, err)
	}
	return WriteMessage(w, data)
}

// ReadResponse reads one framed message from r and decodes it as a
// Response.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadMessage(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, verrors.Wrap("ReadResponse", verrors.Io, err)
	}
	return resp, nil
}
