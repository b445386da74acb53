package msgstore

import (
	"encoding/base32"
	"strconv"
	"strings"

	"github.com/dork-labs/relay/daemon/relay"
)

// Cursors are opaque tokens encoding (createdAt millis, id). The
// base32hex alphabet keeps them URL-safe.
var cursorEnc = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

func encodeCursor(createdAt int64, id string) string {
	raw := strconv.FormatInt(createdAt, 10) + "." + id
	return cursorEnc.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (createdAt int64, id string, err error) {
	raw, err := cursorEnc.DecodeString(cursor)
	if err != nil {
		return 0, "", relay.Errorf(relay.CodeInvalidRequest, "invalid cursor %q", cursor)
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return 0, "", relay.Errorf(relay.CodeInvalidRequest, "invalid cursor %q", cursor)
	}
	createdAt, err = strconv.ParseInt(ts, 10, 64)
	if err != nil || id == "" {
		return 0, "", relay.Errorf(relay.CodeInvalidRequest, "invalid cursor %q", cursor)
	}
	return createdAt, id, nil
}
