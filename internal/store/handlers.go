package store

import (
	"archive/zip"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseLimit caps browse responses, matching the fixed web buffer
// of the original service. Oversized bodies answer 413 instead of a
// truncated document.
const responseLimit = 128 * 1024

var videoExts = map[string]bool{"mkv": true, "mp4": true, "avi": true}

// Recording is one entry of the daily listing.
type Recording struct {
	Src   string `json:"src"`
	Time  string `json:"time"`
	Size  int64  `json:"size"`
	Video string `json:"video"`
	Image string `json:"image"`
}

// Register mounts the browse endpoints and the raw archive mirror.
func (m *Manager) Register(r chi.Router) {
	r.Get("/dvr/storage/top", m.handleTop)
	r.Get("/dvr/storage/yearly", m.handleYearly)
	r.Get("/dvr/storage/monthly", m.handleMonthly)
	r.Get("/dvr/storage/daily", m.handleDaily)
	r.Get("/dvr/storage/download", m.handleDownload)
	r.Handle(VideosURI+"/*", http.StripPrefix(VideosURI+"/",
		http.FileServer(http.Dir(m.root))))
}

func (m *Manager) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	if len(body) > responseLimit {
		m.evlog.Trace("BUFFER", "overflow")
		http.Error(w, "response too large", http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleTop lists the year directories.
func (m *Manager) handleTop(w http.ResponseWriter, r *http.Request) {
	years := m.yearDirs()
	if years == nil {
		years = []string{}
	}
	m.writeJSON(w, years)
}

// handleYearly reports which months of a year hold recordings. The
// array has 13 entries; index 0 is a placeholder so months index
// naturally from 1.
func (m *Manager) handleYearly(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	mask := make([]bool, 13)
	for month := 1; month <= 12; month++ {
		info, err := os.Stat(filepath.Join(m.root, strconv.Itoa(year), two(month)))
		if err == nil && info.IsDir() {
			mask[month] = true
		}
	}
	m.writeJSON(w, mask)
}

// handleMonthly reports which days of a month hold recordings. The
// walk advances in 24 h steps from a 02:02:02 reference so a DST
// change cannot repeat or skip a day.
func (m *Manager) handleMonthly(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(r.URL.Query().Get("year"))
	month, err2 := strconv.Atoi(r.URL.Query().Get("month"))
	if err1 != nil || err2 != nil {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if month < 1 || month > 12 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	base := time.Date(year, time.Month(month), 1, 2, 2, 2, 0, time.Local)
	mask := []bool{false}
	for day := 1; day <= 31; day++ {
		info, err := os.Stat(m.dayPath(year, month, base.Day()))
		mask = append(mask, err == nil && info.IsDir())

		base = base.Add(24 * time.Hour)
		if int(base.Month()) != month {
			break
		}
	}
	m.writeJSON(w, mask)
}

// splitRecordingName separates <time>-<src>[:<seq>].<ext>, keeping
// the HH-MM-SS time prefix intact. Returns ok=false for names that
// are not recordings.
func splitRecordingName(name string) (timePart, src, seq, ext string, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "", "", "", "", false
	}
	ext = name[dot+1:]
	stem := name[:dot]

	// HH-MM-SS-<camera>
	if len(stem) < 10 || stem[2] != '-' || stem[5] != '-' || stem[8] != '-' {
		return "", "", "", "", false
	}
	timePart = stem[:8]
	src = stem[9:]
	if colon := strings.LastIndexByte(src, ':'); colon >= 0 {
		seq = src[colon+1:]
		src = src[:colon]
	}
	if src == "" {
		return "", "", "", "", false
	}
	return timePart, src, seq, ext, true
}

// handleDaily lists the recordings of one day.
func (m *Manager) handleDaily(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(r.URL.Query().Get("year"))
	month, err2 := strconv.Atoi(r.URL.Query().Get("month"))
	day, err3 := strconv.Atoi(r.URL.Query().Get("day"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	dayPath := m.dayPath(year, month, day)
	entries, err := os.ReadDir(dayPath)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	base := VideosURI + "/" + strconv.Itoa(year) + "/" + two(month) + "/" + two(day)

	list := []Recording{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		timePart, src, _, ext, ok := splitRecordingName(name)
		if !ok || !videoExts[ext] {
			continue
		}

		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		image := strings.TrimSuffix(name, "."+ext) + ".jpg"
		list = append(list, Recording{
			Src:   src,
			Time:  timePart,
			Size:  size,
			Video: base + "/" + name,
			Image: base + "/" + image,
		})
	}
	m.writeJSON(w, list)
}

// camMatches applies the download camera filter. The sequence suffix
// was already stripped from src, so a token matches its camera and
// every sequence suffix of it; a trailing '+' is accepted for
// explicitness.
func camMatches(tokens []string, src string) bool {
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if strings.TrimSuffix(tok, "+") == src {
			return true
		}
	}
	return false
}

// handleDownload bundles one day of recordings into a stored ZIP.
func (m *Manager) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err1 := strconv.Atoi(q.Get("year"))
	month, err2 := strconv.Atoi(q.Get("month"))
	day, err3 := strconv.Atoi(q.Get("day"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	startHour, endHour := 0, 24
	if hours := q.Get("hour"); hours != "" {
		startHour, _ = strconv.Atoi(hours)
		if plus := strings.IndexByte(hours, '+'); plus >= 0 {
			endHour, _ = strconv.Atoi(hours[plus+1:])
		}
	}
	var cams []string
	if raw := q.Get("cam"); raw != "" {
		for _, tok := range strings.Split(raw, "+") {
			if tok != "" {
				cams = append(cams, tok)
			}
		}
	}

	dayPath := m.dayPath(year, month, day)
	entries, err := os.ReadDir(dayPath)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	tmp, err := os.CreateTemp("", "videos-*.zip")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Unlink immediately: the open descriptor keeps the data alive
	// until the transfer completes, then the space is reclaimed.
	tmpName := tmp.Name()
	os.Remove(tmpName)

	archive := zip.NewWriter(tmp)
	count := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || len(name) < 2 {
			continue
		}
		hour, err := strconv.Atoi(name[:2])
		if err != nil || hour < startHour || hour >= endHour {
			continue
		}
		_, src, _, _, ok := splitRecordingName(name)
		if !ok || !camMatches(cams, src) {
			continue
		}

		src2, err := os.Open(filepath.Join(dayPath, name))
		if err != nil {
			continue
		}
		// Stored, not compressed: video is already compressed.
		dst, err := archive.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Store,
		})
		if err == nil {
			_, err = io.Copy(dst, src2)
		}
		src2.Close()
		if err != nil {
			archive.Close()
			tmp.Close()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		count++
	}
	if err := archive.Close(); err != nil || count == 0 {
		tmp.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tmp.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	io.Copy(w, tmp)
}
