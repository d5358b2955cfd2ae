// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package dcc

import (
	"path/filepath"
	"strings"

	"github.com/halcyon-irc/halcyon/errs"
)

// maxFilenameLen is the longest sanitized filename accepted for an
// inbound offer.
const maxFilenameLen = 255

// SanitizeFilename reduces a peer-supplied filename to a bare, safe name:
// path separators are stripped down to the final element, and names
// containing control bytes or NUL, empty names, dot-only names, or names
// over 255 bytes are rejected.
func SanitizeFilename(name string) (string, error) {
	// A traversal component anywhere in the name is an escape attempt,
	// not sloppy client behavior; reject rather than strip.
	if strings.ContainsAny(name, `/\`) {
		for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
			if part == ".." {
				return "", &errs.DccSecurity{Kind: errs.DccPathEscape, Detail: name + " contains a traversal component"}
			}
		}

		// Strip remaining path components, both unix and windows style.
		if i := strings.LastIndexAny(name, `/\`); i >= 0 {
			name = name[i+1:]
		}
	}

	if name == "" || name == "." || name == ".." {
		return "", &errs.DccSecurity{Kind: errs.DccBadFilename, Detail: "empty or dot-only filename"}
	}
	if len(name) > maxFilenameLen {
		return "", &errs.DccSecurity{Kind: errs.DccBadFilename, Detail: "filename exceeds 255 bytes"}
	}

	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7F {
			return "", &errs.DccSecurity{Kind: errs.DccBadFilename, Detail: "filename contains control bytes"}
		}
	}

	return name, nil
}

// checkExtension rejects filenames whose extension appears in the
// blocked list (case-insensitive, with or without the leading dot).
func checkExtension(name string, blocked []string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return nil
	}

	for _, b := range blocked {
		if strings.ToLower(strings.TrimPrefix(b, ".")) == ext {
			return &errs.DccSecurity{Kind: errs.DccBlockedExtension, Detail: "blocked extension ." + ext}
		}
	}

	return nil
}

// ResolvePath joins a sanitized filename onto the download directory and
// verifies the cleaned result is still a prefix-containment descendant
// of it.
func ResolvePath(downloadDir, name string) (string, error) {
	dir, err := filepath.Abs(downloadDir)
	if err != nil {
		return "", &errs.DccSecurity{Kind: errs.DccPathEscape, Detail: "download dir unresolvable: " + err.Error()}
	}

	dest := filepath.Clean(filepath.Join(dir, name))

	if dest != dir && !strings.HasPrefix(dest, dir+string(filepath.Separator)) {
		return "", &errs.DccSecurity{Kind: errs.DccPathEscape, Detail: name + " escapes download dir"}
	}
	if dest == dir {
		return "", &errs.DccSecurity{Kind: errs.DccPathEscape, Detail: "resolved path is the download dir itself"}
	}

	return dest, nil
}

// vetOffer runs the full security gauntlet over an inbound SEND offer,
// returning the resolved destination path on success.
func vetOffer(o *Offer, cfg Config) (string, error) {
	name, err := SanitizeFilename(o.Filename)
	if err != nil {
		return "", err
	}

	if err := checkExtension(name, cfg.BlockedExtensions); err != nil {
		return "", err
	}

	if cfg.MaxFileSize > 0 && o.Size > cfg.MaxFileSize {
		return "", &errs.DccSecurity{Kind: errs.DccOversizeFile, Detail: "offer exceeds max_file_size"}
	}

	return ResolvePath(cfg.DownloadDir, name)
}
