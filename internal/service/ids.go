package service

import (
	"strconv"

	"github.com/google/uuid"
)

var (
	chunkNamespace    = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pharmrag/chunk"))
	documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("pharmrag/document"))
)

func newID() string {
	return uuid.NewString()
}

// chunkID is stable for (scope, source, ordinal) so re-ingesting a file
// overwrites its rows instead of duplicating them.
func chunkID(scopeID, source string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(scopeID+"\x00"+source+"\x00"+strconv.Itoa(ordinal))).String()
}

func documentID(scopeID, filename string) string {
	return uuid.NewSHA1(documentNamespace, []byte(scopeID+"\x00"+filename)).String()
}
