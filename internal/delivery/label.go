package delivery

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// GenerateOrderLabel returns a label unique to this run (hostname+pid+random).
// Orders are scoped to the label, so a stale order from a crashed run never
// feeds links into a new one.
func GenerateOrderLabel() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
