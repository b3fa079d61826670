package store

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-dvr/internal/events"
)

func newTestServer(t *testing.T, root string) *httptest.Server {
	t.Helper()
	m := New(root, 0, events.NewLog())
	r := chi.NewRouter()
	m.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTopListsYears(t *testing.T) {
	root := t.TempDir()
	mkDay(t, root, "2023", "12", "31")
	mkDay(t, root, "2024", "01", "01")
	mkDay(t, root, "lost+found") // ignored: not digit-named
	srv := newTestServer(t, root)

	var years []string
	code := getJSON(t, srv.URL+"/dvr/storage/top", &years)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"2023", "2024"}, years)
}

func TestTopEmptyArchive(t *testing.T) {
	srv := newTestServer(t, t.TempDir())

	var years []string
	code := getJSON(t, srv.URL+"/dvr/storage/top", &years)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, years)
}

func TestYearlyMask(t *testing.T) {
	root := t.TempDir()
	mkDay(t, root, "2024", "01", "05")
	mkDay(t, root, "2024", "11", "20")
	srv := newTestServer(t, root)

	var mask []bool
	code := getJSON(t, srv.URL+"/dvr/storage/yearly?year=2024", &mask)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, mask, 13)
	assert.False(t, mask[0], "leading placeholder")
	assert.True(t, mask[1])
	assert.True(t, mask[11])
	assert.False(t, mask[2])
	assert.False(t, mask[12])

	code = getJSON(t, srv.URL+"/dvr/storage/yearly", &mask)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMonthlyMask(t *testing.T) {
	root := t.TempDir()
	mkDay(t, root, "2024", "02", "01")
	mkDay(t, root, "2024", "02", "29") // leap day
	srv := newTestServer(t, root)

	var mask []bool
	code := getJSON(t, srv.URL+"/dvr/storage/monthly?year=2024&month=02", &mask)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, mask, 30, "placeholder plus 29 days of February 2024")
	assert.False(t, mask[0])
	assert.True(t, mask[1])
	assert.True(t, mask[29])
	assert.False(t, mask[15])

	code = getJSON(t, srv.URL+"/dvr/storage/monthly?year=2024&month=13", &mask)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDailyListing(t *testing.T) {
	root := t.TempDir()
	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "14-00-00-a.mkv", "0123456789")
	writeFile(t, day, "14-00-00-a.jpg", "thumb")
	writeFile(t, day, "15-30-00-gate:2.mp4", "abc")
	writeFile(t, day, "notes.txt", "ignored")
	writeFile(t, day, ".hidden.mkv", "ignored")
	srv := newTestServer(t, root)

	var list []Recording
	code := getJSON(t, srv.URL+"/dvr/storage/daily?year=2024&month=5&day=1", &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 2)

	byTime := map[string]Recording{}
	for _, rec := range list {
		byTime[rec.Time] = rec
	}

	a := byTime["14-00-00"]
	assert.Equal(t, "a", a.Src)
	assert.Equal(t, int64(10), a.Size)
	assert.Equal(t, VideosURI+"/2024/05/01/14-00-00-a.mkv", a.Video)
	assert.Equal(t, VideosURI+"/2024/05/01/14-00-00-a.jpg", a.Image)

	gate := byTime["15-30-00"]
	assert.Equal(t, "gate", gate.Src, "sequence suffix stripped")
	assert.Equal(t, VideosURI+"/2024/05/01/15-30-00-gate:2.mp4", gate.Video)
}

func TestDailyMissingDay(t *testing.T) {
	srv := newTestServer(t, t.TempDir())
	var list []Recording
	code := getJSON(t, srv.URL+"/dvr/storage/daily?year=2024&month=5&day=1", &list)
	assert.Equal(t, http.StatusNotFound, code)
}

func readZip(t *testing.T, resp *http.Response) []string {
	t.Helper()
	body := new(bytes.Buffer)
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(body.Bytes()), int64(body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, "recordings are stored, not compressed")
		names = append(names, f.Name)
	}
	return names
}

func TestDownloadWholeDay(t *testing.T) {
	root := t.TempDir()
	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "08-00-00-a.mkv", "morning")
	writeFile(t, day, "14-00-00-b.mkv", "afternoon")
	srv := newTestServer(t, root)

	resp, err := http.Get(srv.URL + "/dvr/storage/download?year=2024&month=5&day=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	names := readZip(t, resp)
	assert.ElementsMatch(t, []string{"08-00-00-a.mkv", "14-00-00-b.mkv"}, names)
}

func TestDownloadHourAndCamFilters(t *testing.T) {
	root := t.TempDir()
	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "08-00-00-a.mkv", "early a")
	writeFile(t, day, "14-00-00-a.mkv", "later a")
	writeFile(t, day, "14-10-00-a:2.mkv", "later a part 2")
	writeFile(t, day, "14-20-00-b.mkv", "later b")
	srv := newTestServer(t, root)

	// Hour window [14,15), camera a with all sequence suffixes.
	resp, err := http.Get(srv.URL +
		"/dvr/storage/download?year=2024&month=5&day=1&hour=14%2B15&cam=a%2B")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	names := readZip(t, resp)
	assert.ElementsMatch(t, []string{"14-00-00-a.mkv", "14-10-00-a:2.mkv"}, names)
}

func TestDownloadErrors(t *testing.T) {
	root := t.TempDir()
	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "08-00-00-a.mkv", "x")
	srv := newTestServer(t, root)

	// Day without a directory: 404.
	resp, err := http.Get(srv.URL + "/dvr/storage/download?year=2024&month=5&day=2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Nothing matches the filter: 500.
	resp, err = http.Get(srv.URL + "/dvr/storage/download?year=2024&month=5&day=1&cam=zzz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// Missing parameters: 400.
	resp, err = http.Get(srv.URL + "/dvr/storage/download?year=2024")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVideosMirrorServesRawFiles(t *testing.T) {
	root := t.TempDir()
	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "14-00-00-a.mkv", "raw bytes")
	srv := newTestServer(t, root)

	resp, err := http.Get(srv.URL + VideosURI + "/2024/05/01/14-00-00-a.mkv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	assert.Equal(t, "raw bytes", body.String())
}
