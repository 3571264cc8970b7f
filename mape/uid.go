package mape

import (
	"strings"

	"github.com/google/uuid"

	"github.com/c360/mapeflow/errors"
)

// PathSeparator joins uids into paths.
const PathSeparator = "."

var (
	reservedElementUIDs = map[string]bool{
		"uid": true, "app": true, "level": true, "loop": true, "k": true,
		"elements": true, "path": true, "start": true, "stop": true,
	}
	reservedLoopUIDs = map[string]bool{
		"loops": true, "levels": true, "app": true, "k": true, "path": true,
	}
)

// generateUID returns prefix followed by eight hex characters of a random
// UUID, retrying until taken reports the uid free.
func generateUID(prefix string, taken func(string) bool) string {
	for {
		uid := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if !taken(uid) {
			return uid
		}
	}
}

func validateUID(kind, uid, owner string, reserved map[string]bool) error {
	if uid == "" || strings.ContainsAny(uid, PathSeparator+"/ \t\n*?[]") {
		return errors.Conflict(kind, uid, owner, errors.ErrInvalidUID)
	}
	if reserved[uid] {
		return errors.Conflict(kind, uid, owner, errors.ErrReservedName)
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, PathSeparator)
}
