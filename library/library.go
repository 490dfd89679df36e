// Package library maps downloaded media onto the local storage tree and
// answers read-only queries over it.
//
// Layout under the root:
//
//	latest_thumbnail.jpg
//	<id>.mp4                  non-permanent downloads
//	YYYY-MM-DD/<id>.mp4       permanent downloads
//	YYYY-MM-DD/<id>.jpg       thumbnails of permanent downloads
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// DateLayout names date folders.
	DateLayout = "2006-01-02"
	// ThumbnailName is the file holding the cover of the newest video.
	ThumbnailName = "latest_thumbnail.jpg"

	VideoExt     = ".mp4"
	ThumbnailExt = ".jpg"
)

var (
	ErrInvalidVideoID = errors.New("invalid video id")
	ErrInvalidDate    = errors.New("invalid date, use YYYY-MM-DD")
	ErrForbidden      = errors.New("path outside storage root")
	ErrNotFound       = errors.New("file not found")
	ErrNotAFile       = errors.New("not a file")
	ErrNotADirectory  = errors.New("not a directory")
)

// Layout resolves paths inside one storage root.
type Layout struct {
	root string
}

// New returns a Layout rooted at root, which is made absolute. The root is
// not created until something is written.
func New(root string) (*Layout, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	return &Layout{root: abs}, nil
}

// Root returns the absolute storage root.
func (l *Layout) Root() string { return l.root }

// ThumbnailPath returns the path of the latest-thumbnail file.
func (l *Layout) ThumbnailPath() string {
	return filepath.Join(l.root, ThumbnailName)
}

// Dir returns the directory for date, or the root when date is empty.
func (l *Layout) Dir(date string) (string, error) {
	if date == "" {
		return l.root, nil
	}
	if err := ValidateDate(date); err != nil {
		return "", err
	}
	return filepath.Join(l.root, date), nil
}

// VideoPath returns where the video id for date is stored.
func (l *Layout) VideoPath(date, id string) (string, error) {
	return l.file(date, id, VideoExt)
}

// CoverPath returns where the thumbnail of video id for date is stored.
func (l *Layout) CoverPath(date, id string) (string, error) {
	return l.file(date, id, ThumbnailExt)
}

func (l *Layout) file(date, id, ext string) (string, error) {
	if err := ValidateVideoID(id); err != nil {
		return "", err
	}
	dir, err := l.Dir(date)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id+ext), nil
}

// ValidateVideoID rejects ids that could escape their folder.
func ValidateVideoID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
	case strings.Contains(id, ".."):
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidVideoID, id)
}

// ValidateDate checks that date is a YYYY-MM-DD calendar date.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

// DateEntry is one date folder holding at least one video.
type DateEntry struct {
	Date       string `json:"date"`
	VideoCount int    `json:"video_count"`
}

// Dates lists date folders that contain videos, newest first.
func (l *Layout) Dates() ([]DateEntry, error) {
	entries, err := os.ReadDir(l.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []DateEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	dates := []DateEntry{}
	for _, e := range slices.Backward(entries) {
		if !e.IsDir() || ValidateDate(e.Name()) != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(l.root, e.Name()))
		if err != nil {
			return nil, err
		}
		n := 0
		for _, f := range files {
			if isVideo(f) {
				n++
			}
		}
		if n > 0 {
			dates = append(dates, DateEntry{Date: e.Name(), VideoCount: n})
		}
	}
	return dates, nil
}

// VideoEntry is one stored video.
type VideoEntry struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	ThumbnailRel string    `json:"thumbnail_path,omitempty"`
	HasThumbnail bool      `json:"has_thumbnail"`
	Size         int64     `json:"size"`
	Modified     time.Time `json:"modified"`
}

// Videos lists the videos stored for date in reverse name order. A missing
// folder yields an empty list.
func (l *Layout) Videos(date string) ([]VideoEntry, error) {
	dir, err := l.Dir(date)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []VideoEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := fileNames(entries)
	videos := []VideoEntry{}
	for _, e := range slices.Backward(entries) {
		if !isVideo(e) {
			continue
		}
		v, err := videoEntry(e, date, names)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func videoEntry(e fs.DirEntry, rel string, names map[string]bool) (VideoEntry, error) {
	info, err := e.Info()
	if err != nil {
		return VideoEntry{}, err
	}
	id := strings.TrimSuffix(e.Name(), VideoExt)
	v := VideoEntry{
		ID:       id,
		Path:     path.Join(rel, e.Name()),
		Size:     info.Size(),
		Modified: info.ModTime(),
	}
	if names[id+ThumbnailExt] {
		v.HasThumbnail = true
		v.ThumbnailRel = path.Join(rel, id+ThumbnailExt)
	}
	return v, nil
}

// Resolve maps rel, a slash-separated path relative to the root, to a
// regular file on disk. Symlinks are followed before the containment
// check.
func (l *Layout) Resolve(rel string) (string, error) {
	full, err := l.contained(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotAFile
	}
	return full, nil
}

// contained joins rel onto the root and rejects results that leave it,
// either lexically or through a symlink.
func (l *Layout) contained(rel string) (string, error) {
	rel = strings.TrimPrefix(filepath.FromSlash(rel), string(filepath.Separator))
	full := filepath.Join(l.root, rel)
	if !within(l.root, full) {
		return "", ErrForbidden
	}

	realRoot, err := filepath.EvalSymlinks(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return full, nil
		}
		return "", err
	}
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		// Missing targets cannot be symlink escapes.
		if errors.Is(err, fs.ErrNotExist) {
			return full, nil
		}
		return "", err
	}
	if !within(realRoot, real) {
		return "", ErrForbidden
	}
	return full, nil
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

// Item is one child in a Listing.
type Item struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Dir       bool   `json:"dir"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Listing is the browse view of one directory.
type Listing struct {
	Title string `json:"title"`
	Path  string `json:"path"`
	Items []Item `json:"items"`
}

// Browse lists directories and videos under rel in reverse name order.
// Thumbnails are folded into their video instead of being listed. A
// missing directory browses as an empty root.
func (l *Layout) Browse(rel string) (*Listing, error) {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	full, err := l.contained(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return &Listing{Title: "Library", Items: []Item{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotADirectory
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := fileNames(entries)
	listing := &Listing{Title: "Library", Path: rel, Items: []Item{}}
	if rel != "" {
		listing.Title = path.Base(rel)
	}
	for _, e := range slices.Backward(entries) {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "."):
		case e.IsDir():
			listing.Items = append(listing.Items, Item{Name: name, Path: path.Join(rel, name), Dir: true})
		case isVideo(e):
			id := strings.TrimSuffix(name, VideoExt)
			item := Item{Name: id, Path: path.Join(rel, name)}
			if names[id+ThumbnailExt] {
				item.Thumbnail = path.Join(rel, id+ThumbnailExt)
			}
			listing.Items = append(listing.Items, item)
		}
	}
	return listing, nil
}

func isVideo(e fs.DirEntry) bool {
	return e.Type().IsRegular() && strings.HasSuffix(e.Name(), VideoExt) && !strings.HasPrefix(e.Name(), ".")
}

func fileNames(entries []fs.DirEntry) map[string]bool {
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}
	return names
}
