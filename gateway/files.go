package gateway

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/yuin/goldmark"
)

type fileInfoResponse struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// listFilesHandler implements GET /chats/{id}/files (§6): the artifacts an
// agent run wrote under FilesDir/{chatID}/ (plan documents, exported
// configs, anything a tool's file_created change records).
func (s *Server) listFilesHandler(c echo.Context) error {
	chatID := c.Param("id")
	dir := filepath.Join(s.deps.FilesDir, chatID)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return c.JSON(http.StatusOK, []fileInfoResponse{})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}

	out := make([]fileInfoResponse, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfoResponse{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().Unix()})
	}
	return c.JSON(http.StatusOK, out)
}

// downloadFileHandler implements GET /chats/{id}/files/{name} (§6). The
// requested name must resolve to a direct child of the chat's files
// directory — no path-traversal components are accepted. Markdown files
// are rendered to HTML via goldmark when the client asks for it
// (Accept: text/html); otherwise the raw bytes are served.
func (s *Server) downloadFileHandler(c echo.Context) error {
	chatID := c.Param("id")
	name := c.Param("name")

	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid file name"})
	}

	path := filepath.Join(s.deps.FilesDir, chatID, name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "file not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}

	if strings.EqualFold(filepath.Ext(name), ".md") && strings.Contains(c.Request().Header.Get("Accept"), "text/html") {
		var buf bytes.Buffer
		if err := goldmark.Convert(raw, &buf); err == nil {
			return c.Blob(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
		}
	}

	info, err := os.Stat(path)
	if err == nil {
		c.Response().Header().Set("Last-Modified", info.ModTime().UTC().Format(time.RFC1123))
	}
	return c.Blob(http.StatusOK, contentTypeFor(name), raw)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
