package dashboard

import (
	"io/fs"
	"strings"
	"testing"
)

func TestAssets_IndexHasTitlePlaceholder(t *testing.T) {
	data, err := fs.ReadFile(Assets, "assets/index.html")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	page := string(data)
	if strings.Count(page, "{{.Title}}") != 2 {
		t.Error("index.html should carry the title placeholder in <title> and the header")
	}
	if !strings.Contains(page, "/api/sse") {
		t.Error("index.html should subscribe to /api/sse")
	}
}
