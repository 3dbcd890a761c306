package hnsw

import "fmt"

func errNodeExists(id uint64) error {
	return fmt.Errorf("node %d already exists", id)
}
