package scheduler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-dca/internal/types"
)

// cursor is the position of the last trigger returned by a page.
type cursor struct {
	TargetTime int64  `json:"t"`
	VaultID    uint64 `json:"v"`
}

func encodeCursor(c cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// decodeCursor returns the zero cursor for an empty token.
func decodeCursor(token string) (cursor, error) {
	if token == "" {
		return cursor{}, nil
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, types.Wrap(types.CodeInvalidInput, "malformed cursor", err)
	}

	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, types.Wrap(types.CodeInvalidInput, "malformed cursor", err)
	}
	return c, nil
}
