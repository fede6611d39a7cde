package session

import (
	"encoding/base64"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Artifact is a short-lived pairing code. Code is a PNG data URI the UI can
// drop straight into an <img> tag. Each Issue call supersedes the previous
// artifact for the owning session.
type Artifact struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Coordinator renders raw provider pairing payloads into scannable artifacts.
// Purely a transformation; retry and lifecycle belong to the Manager.
type Coordinator struct {
	TTL time.Duration
	Now func() time.Time
}

func (c *Coordinator) Issue(rawPayload string) (Artifact, error) {
	png, err := qrcode.Encode(rawPayload, qrcode.Medium, 256)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Code:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		IssuedAt: c.now(),
	}, nil
}

// Expired reports whether the artifact has outlived the configured TTL.
// TTL <= 0 means artifacts never expire locally (the provider still rotates
// the underlying payload on its own schedule).
func (c *Coordinator) Expired(a Artifact) bool {
	if c.TTL <= 0 {
		return false
	}
	return c.now().Sub(a.IssuedAt) > c.TTL
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
