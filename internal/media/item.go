/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media defines the playable item model and source canonicalization.
package media

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Kind classifies a playable source.
type Kind string

const (
	KindVideo     Kind = "video"
	KindPlaylist  Kind = "playlist"
	KindLocalFile Kind = "local_file"
	KindFolder    Kind = "folder"
)

// Item is an immutable playable source. CanonicalRef is derived from
// SourceRef once at construction and is the join key for progress lookups.
type Item struct {
	SourceRef    string `json:"source_ref"`
	Kind         Kind   `json:"kind"`
	Title        string `json:"title"`
	CanonicalRef string `json:"canonical_ref"`
}

// NewItem builds an Item from a raw URL or filesystem path. Title may be
// empty; callers display the source ref until a resolver fills it in.
func NewItem(sourceRef, title string) Item {
	return Item{
		SourceRef:    sourceRef,
		Kind:         DetectKind(sourceRef),
		Title:        title,
		CanonicalRef: Canonicalize(sourceRef),
	}
}

var (
	bilibiliVideoRe = regexp.MustCompile(`(https?://(?:www\.)?bilibili\.com/video/BV[a-zA-Z0-9]+)`)
	youtubeWatchRe  = regexp.MustCompile(`(https?://(?:www\.)?youtube\.com/watch\?v=[a-zA-Z0-9_-]+)`)
)

// Canonicalize strips platform tracking and query parameters from known
// URL shapes. Unknown sources are their own canonical form, which makes
// the function idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(ref string) string {
	if strings.Contains(ref, "bilibili.com") {
		if m := bilibiliVideoRe.FindString(ref); m != "" {
			return m
		}
	} else if strings.Contains(ref, "youtube.com") {
		if m := youtubeWatchRe.FindString(ref); m != "" {
			return m
		}
	}
	return ref
}

// bilibili hosts several playlist-ish URL shapes; any of these markers
// makes the source a playlist.
var bilibiliPlaylistMarkers = []string{
	"/favlist",
	"/medialist/",
	"collectiondetail",
	"/lists/",
	"videopod.episodes",
	"?type=season",
	"?type=series",
}

// DetectKind classifies a raw source reference.
func DetectKind(ref string) Kind {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if strings.Contains(ref, "youtube.com/playlist") {
			return KindPlaylist
		}
		if strings.Contains(ref, "bilibili.com") {
			for _, marker := range bilibiliPlaylistMarkers {
				if strings.Contains(ref, marker) {
					return KindPlaylist
				}
			}
		}
		return KindVideo
	}
	if info, err := os.Stat(ref); err == nil {
		if info.IsDir() {
			return KindFolder
		}
		return KindLocalFile
	}
	return KindVideo
}

// IsLocal reports whether the item plays from the local filesystem.
func (i Item) IsLocal() bool {
	return i.Kind == KindLocalFile || i.Kind == KindFolder
}

// playableExtensions are the media file types folder expansion picks up.
var playableExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".avi": true, ".mov": true,
	".mp3": true, ".flac": true, ".m4a": true, ".ogg": true, ".opus": true,
	".wav": true,
}

// ExpandFolder walks a directory and returns its playable files as items,
// sorted by path for a stable order. Recursive descent is optional.
func ExpandFolder(dir string, recursive bool) ([]Item, error) {
	var paths []string
	if recursive {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && playableExtensions[strings.ToLower(filepath.Ext(path))] {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() && playableExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				paths = append(paths, filepath.Join(dir, entry.Name()))
			}
		}
	}
	sort.Strings(paths)

	items := make([]Item, 0, len(paths))
	for _, path := range paths {
		items = append(items, Item{
			SourceRef:    path,
			Kind:         KindLocalFile,
			Title:        filepath.Base(path),
			CanonicalRef: path,
		})
	}
	return items, nil
}
