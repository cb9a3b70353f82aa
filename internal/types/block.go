package types

import "time"

// Block is the execution environment of a single invocation.
type Block struct {
	Height int64     `json:"height"`
	Time   time.Time `json:"time"`
}

// Unix returns the block time in unix seconds.
func (b Block) Unix() int64 {
	return b.Time.Unix()
}
