package tui

import "strings"

// FingerprintAuth admits SSH keys whose SHA256 fingerprint is listed.
type FingerprintAuth struct {
	allowed map[string]struct{}
}

// NewFingerprintAuth accepts fingerprints with or without the "SHA256:"
// prefix.
func NewFingerprintAuth(fingerprints []string) *FingerprintAuth {
	a := &FingerprintAuth{allowed: make(map[string]struct{}, len(fingerprints))}
	for _, fp := range fingerprints {
		fp = normalizeFingerprint(fp)
		if fp != "" {
			a.allowed[fp] = struct{}{}
		}
	}
	return a
}

func (a *FingerprintAuth) Allowed(fingerprint string) bool {
	_, ok := a.allowed[normalizeFingerprint(fingerprint)]
	return ok
}

func (a *FingerprintAuth) Len() int {
	return len(a.allowed)
}

func normalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return ""
	}
	return "SHA256:" + strings.TrimPrefix(fp, "SHA256:")
}
