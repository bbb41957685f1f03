package model

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idSpace namespaces identifiers derived from run state.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("validator:run-state"))

// DerivedID returns a stable identifier for something a step creates at a
// given state version. The same run, version and parts always yield the
// same ID, so a step re-run from the same state produces the same output.
func DerivedID(runID string, version int64, parts ...string) string {
	key := runID + "/" + strconv.FormatInt(version, 10) + "/" + strings.Join(parts, "/")
	return uuid.NewSHA1(idSpace, []byte(key)).String()
}
