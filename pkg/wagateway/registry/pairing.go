// pairing.go implements the pairing channel: rotating QR artifacts and
// phone-verification codes. The two flows are mutually exclusive per
// account; starting one cancels the other.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/nvallejos/wagateway/pkg/wagateway/store"
)

// Pairing errors. Both are recoverable: the caller retries without any
// status transition happening underneath.
var (
	ErrInvalidCode  = fmt.Errorf("registry: invalid or expired pairing code")
	ErrNoPairing    = fmt.Errorf("registry: no pairing artifact available")
	ErrPairingState = fmt.Errorf("registry: account not awaiting pairing")
)

type pairingMode string

const (
	pairingNone  pairingMode = ""
	pairingQR    pairingMode = "qr"
	pairingPhone pairingMode = "phone"
)

// pairingState caches the latest pairing artifact for an instance. Guarded
// by the instance mutex.
type pairingState struct {
	mode        pairingMode
	qrCode      string
	qrIssuedAt  time.Time
	qrTTL       time.Duration
	phoneCode   string
	phoneNumber string
	codeIssued  time.Time
	codeTTL     time.Duration
}

// setQR caches a fresh QR artifact. Ignored while a phone flow is active:
// the operator chose the other channel.
func (i *Instance) setQR(code string, ttl time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pairing.mode == pairingPhone {
		return
	}
	i.pairing.mode = pairingQR
	i.pairing.qrCode = code
	i.pairing.qrIssuedAt = time.Now()
	i.pairing.qrTTL = ttl
}

// setPhoneChallenge caches an issued phone code and cancels any QR flow.
func (i *Instance) setPhoneChallenge(code string, ttl time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pairing.mode = pairingPhone
	i.pairing.phoneCode = code
	i.pairing.codeIssued = time.Now()
	i.pairing.codeTTL = ttl
	i.pairing.qrCode = ""
	i.pairing.qrIssuedAt = time.Time{}
}

// clearPairing wipes all artifacts, called once authentication succeeds.
func (i *Instance) clearPairing() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pairing = pairingState{}
}

// latestQR returns the cached QR payload, or "" when none exists or the
// artifact has outlived one rotation interval.
func (i *Instance) latestQR() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pairing.mode != pairingQR || i.pairing.qrCode == "" {
		return ""
	}
	if time.Since(i.pairing.qrIssuedAt) > i.pairing.qrTTL {
		return ""
	}
	return i.pairing.qrCode
}

// LatestQR returns the current QR artifact for an account, or ErrNoPairing
// when none is fresh.
func (r *Registry) LatestQR(accountID int64) (string, error) {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return "", err
	}
	code := inst.latestQR()
	if code == "" {
		return "", ErrNoPairing
	}
	return code, nil
}

// RenderQRPNG renders the current QR artifact as a PNG image.
func (r *Registry) RenderQRPNG(accountID int64, size int) ([]byte, error) {
	code, err := r.LatestQR(accountID)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 512
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("rendering QR: %w", err)
	}
	return png, nil
}

// RequestPhoneCode switches the account to the phone-code pairing flow and
// asks the network for a verification code. The QR flow, if any, is
// cancelled.
func (r *Registry) RequestPhoneCode(ctx context.Context, accountID int64, phone string) (string, error) {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return "", err
	}

	switch inst.Status() {
	case store.StatusInitializing, store.StatusPendingAuth:
	default:
		return "", fmt.Errorf("account %d in status %s: %w", accountID, inst.Status(), ErrPairingState)
	}

	code, err := inst.client.RequestPairingCode(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("requesting code for account %d: %w", accountID, err)
	}

	inst.setPhoneChallenge(code, r.cfg.PhoneCodeTTL)
	inst.mu.Lock()
	inst.pairing.phoneNumber = normalizePhone(phone)
	inst.mu.Unlock()

	// Issuing a challenge is what moves a fresh account into pending_auth.
	if inst.Status() == store.StatusInitializing {
		if err := r.transition(ctx, inst, store.StatusPendingAuth); err != nil {
			return "", err
		}
	}

	r.logger.Info("phone pairing code issued", "account_id", accountID)
	return code, nil
}

// VerifyPhoneCode checks a submitted code against the issued challenge. A
// wrong or expired code returns ErrInvalidCode and leaves the account in
// pending_auth; the caller may request a fresh code and retry. The actual
// authentication completes when the network confirms the pairing and the
// adapter emits its authenticated event.
func (r *Registry) VerifyPhoneCode(accountID int64, phone, code string) error {
	inst, err := r.Acquire(accountID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	p := &inst.pairing
	if p.mode != pairingPhone || p.phoneCode == "" {
		return ErrInvalidCode
	}
	if time.Since(p.codeIssued) > p.codeTTL {
		return ErrInvalidCode
	}
	if normalizePhone(phone) != p.phoneNumber {
		return ErrInvalidCode
	}
	if normalizeCode(code) != normalizeCode(p.phoneCode) {
		return ErrInvalidCode
	}
	return nil
}

// normalizeCode strips the display hyphen and upcases: "abcd-1234" and
// "ABCD1234" compare equal.
func normalizeCode(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}

func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
