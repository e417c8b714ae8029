package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// runCounter backs run ids when the system random source fails.
var runCounter atomic.Uint64

// GenerateRunID returns an id of the form run-YYYYMMDD-HHMMSS-<hex>. The
// id is safe to use as a result store key.
func GenerateRunID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("run-%s-%x", timestamp, runCounter.Add(1))
	}
	return fmt.Sprintf("run-%s-%s", timestamp, hex.EncodeToString(b))
}
