package safety

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMintShape(t *testing.T) {
	reg := NewTokenRegistry(zerolog.Nop(), NewAuditLog(zerolog.Nop(), ""))
	m, err := reg.Mint("disk-usb", "wipe", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m.Token, TokenPrefix) {
		t.Fatalf("token %q missing prefix", m.Token)
	}
	if len(m.Token) != len(TokenPrefix)+32 {
		t.Fatalf("token length = %d", len(m.Token))
	}
	if m.ID == "" || m.ExpiresAt.IsZero() {
		t.Fatalf("incomplete mint: %+v", m)
	}
	m2, _ := reg.Mint("disk-usb", "wipe", 0)
	if m2.Token == m.Token {
		t.Fatal("tokens must be unique")
	}
}

func TestMintRequiresTarget(t *testing.T) {
	reg := NewTokenRegistry(zerolog.Nop(), NewAuditLog(zerolog.Nop(), ""))
	if _, err := reg.Mint("", "wipe", 0); err == nil {
		t.Fatal("empty disk id accepted")
	}
	if _, err := reg.Mint("disk-usb", "", 0); err == nil {
		t.Fatal("empty op accepted")
	}
}

func TestConsumeUnknown(t *testing.T) {
	reg := NewTokenRegistry(zerolog.Nop(), NewAuditLog(zerolog.Nop(), ""))
	if _, err := reg.consume("PHX-0000", "disk-usb", "wipe"); !errors.Is(err, ErrMissingConfirmationToken) {
		t.Fatalf("err = %v", err)
	}
}

func TestReplayDetectedAcrossMints(t *testing.T) {
	reg := NewTokenRegistry(zerolog.Nop(), NewAuditLog(zerolog.Nop(), ""))
	m, _ := reg.Mint("disk-usb", "wipe", 0)
	if _, err := reg.consume(m.Token, "disk-usb", "wipe"); err != nil {
		t.Fatal(err)
	}
	// Later mints must not erase the consumed record while it is fresh.
	if _, err := reg.Mint("disk-usb", "wipe", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.consume(m.Token, "disk-usb", "wipe"); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("replay err = %v", err)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	audit := NewAuditLog(zerolog.Nop(), path)
	reg := NewTokenRegistry(zerolog.Nop(), audit)
	gate := NewGate(zerolog.Nop(), reg, audit)

	m, _ := reg.Mint("disk-usb", "wipe", 0)
	gate.Evaluate(Request{Op: "wipe", DiskID: "disk-usb", Destructive: true, Force: true, Token: m.Token, Graph: testGraph()})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("audit event missing identity: %+v", ev)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []string{"token.mint", "token.consume", "gate.decision"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}
