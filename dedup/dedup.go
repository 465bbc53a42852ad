// Package dedup drops rendered pages whose bytes were already seen, either
// earlier in the same message or, with the global scope, in any message.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mailnorm/model"
)

type Scope string

const (
	ScopeMessage Scope = "message"
	ScopeGlobal  Scope = "global"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeMessage:
		return ScopeMessage, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown dedup scope %q (want message or global)", s)
	}
}

// Index is the cross-message fingerprint store. state.Tracker satisfies it.
type Index interface {
	Claim(fingerprint, owner string) (bool, error)
	Release(fingerprint, owner string) error
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Deduplicator struct {
	scope Scope
	index Index
}

// New returns a Deduplicator. index is only consulted for ScopeGlobal and
// may be nil otherwise.
func New(scope Scope, index Index) (*Deduplicator, error) {
	if scope == ScopeGlobal && index == nil {
		return nil, fmt.Errorf("global dedup scope requires a fingerprint index")
	}
	return &Deduplicator{scope: scope, index: index}, nil
}

func (d *Deduplicator) Scope() Scope { return d.scope }

// Partition splits images into accepted and rejected. The first occurrence of
// a fingerprint wins and both slices keep input order. Fingerprint is filled
// in on every image.
func (d *Deduplicator) Partition(owner string, images []model.RenderedImage) (accepted, rejected []model.RenderedImage, err error) {
	accepted = make([]model.RenderedImage, 0, len(images))
	seen := make(map[string]int, len(images))

	for _, img := range images {
		if img.Fingerprint == "" {
			img.Fingerprint = Fingerprint(img.Data)
		}

		if _, dup := seen[img.Fingerprint]; dup {
			rejected = append(rejected, img)
			continue
		}

		if d.scope == ScopeGlobal {
			ok, claimErr := d.index.Claim(img.Fingerprint, owner)
			if claimErr != nil {
				err := fmt.Errorf("claim fingerprint %s: %w", img.Fingerprint, claimErr)
				return nil, nil, errors.Join(err, d.Rollback(owner, accepted))
			}
			if !ok {
				rejected = append(rejected, img)
				continue
			}
		}

		seen[img.Fingerprint] = len(accepted)
		accepted = append(accepted, img)
	}

	return accepted, rejected, nil
}

// Rollback releases global claims made for accepted images. It is a no-op for
// the message scope. Every release is attempted; failures are joined.
func (d *Deduplicator) Rollback(owner string, accepted []model.RenderedImage) error {
	if d.scope != ScopeGlobal {
		return nil
	}
	var errs []error
	for _, img := range accepted {
		if err := d.index.Release(img.Fingerprint, owner); err != nil {
			errs = append(errs, fmt.Errorf("release fingerprint %s: %w", img.Fingerprint, err))
		}
	}
	return errors.Join(errs...)
}
