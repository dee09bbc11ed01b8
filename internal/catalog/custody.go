package catalog

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrCustodyTampered is returned when the custody chain fails verification.
var ErrCustodyTampered = errors.New("custody log tampered")

// CustodyEvent is a registry-affecting event recorded in the custody log.
type CustodyEvent struct {
	Action    string    `json:"action"` // e.g. "registry.load", "record.isolate"
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type custodyLine struct {
	PrevHMAC string          `json:"prev_hmac"`
	Event    json.RawMessage `json:"event"`
	HMAC     string          `json:"hmac"`
}

// CustodyLog is an append-only HMAC-chained audit trail. Each line carries
// the previous line's HMAC, the event JSON, and
// HMAC-SHA256(prev_hmac || event_json, key). A broken link anywhere fails
// verification of everything after it.
type CustodyLog struct {
	path string
	key  []byte

	mu       sync.Mutex
	prevHMAC string
}

// OpenCustodyLog opens (or creates) the custody log at path and verifies the
// existing chain. The returned log continues the chain from the last line.
func OpenCustodyLog(path string, key []byte) (*CustodyLog, error) {
	cl := &CustodyLog{path: path, key: key}
	last, err := verifyChain(path, key)
	if err != nil {
		return nil, err
	}
	cl.prevHMAC = last
	return cl, nil
}

// Append writes event as the next link in the chain.
func (cl *CustodyLog) Append(ev CustodyEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode custody event: %w", err)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	line := custodyLine{
		PrevHMAC: cl.prevHMAC,
		Event:    evJSON,
		HMAC:     chainHMAC(cl.key, cl.prevHMAC, evJSON),
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode custody line: %w", err)
	}

	f, err := os.OpenFile(cl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open custody log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append custody log: %w", err)
	}

	cl.prevHMAC = line.HMAC
	return nil
}

// Verify re-derives the whole chain from disk.
func (cl *CustodyLog) Verify() error {
	_, err := verifyChain(cl.path, cl.key)
	return err
}

// verifyChain walks the log and returns the HMAC of the last valid line.
// The first broken link fails with ErrCustodyTampered.
func verifyChain(path string, key []byte) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil // empty chain
	}
	if err != nil {
		return "", fmt.Errorf("open custody log: %w", err)
	}
	defer f.Close()

	prev := ""
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lineNo++
		var line custodyLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return "", fmt.Errorf("%w: line %d unparseable", ErrCustodyTampered, lineNo)
		}
		if line.PrevHMAC != prev {
			return "", fmt.Errorf("%w: line %d chain break", ErrCustodyTampered, lineNo)
		}
		if !hmac.Equal([]byte(line.HMAC), []byte(chainHMAC(key, line.PrevHMAC, line.Event))) {
			return "", fmt.Errorf("%w: line %d bad hmac", ErrCustodyTampered, lineNo)
		}
		prev = line.HMAC
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read custody log: %w", err)
	}
	return prev, nil
}

func chainHMAC(key []byte, prev string, event []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(prev))
	mac.Write(event)
	return hex.EncodeToString(mac.Sum(nil))
}
