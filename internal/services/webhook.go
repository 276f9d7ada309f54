package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Validq-Timestamp"
	HeaderSignature = "X-Validq-Signature"
)

// SignBody returns hex(HMAC-SHA256(secret, "<ts>." + body)).
func SignBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the headers produced by addSignature.
func VerifySignature(secret string, h http.Header, body []byte) bool {
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return false
	}
	want := SignBody(secret, ts, body)
	return hmac.Equal([]byte(want), []byte(h.Get(HeaderSignature)))
}

func addSignature(req *http.Request, secret string, body []byte) {
	if strings.TrimSpace(secret) == "" {
		return
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, SignBody(secret, ts, body))
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
