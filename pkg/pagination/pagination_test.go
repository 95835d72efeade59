package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_FHIRParamsWin(t *testing.T) {
	p := FromContext(contextFor("/?_count=5&limit=50&_offset=15&offset=10"))

	if p.Limit != 5 || p.Offset != 15 {
		t.Errorf("expected 5/15, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?_count=5000"))

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestNew_NegativeOffset(t *testing.T) {
	p := New(10, -3)
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestValues(t *testing.T) {
	v := New(10, 0).Values()
	if v.Get("_count") != "10" {
		t.Errorf("expected _count=10, got %q", v.Get("_count"))
	}
	if v.Has("_offset") {
		t.Error("first page must not send _offset")
	}

	v = New(10, 20).Values()
	if v.Get("_offset") != "20" {
		t.Errorf("expected _offset=20, got %q", v.Get("_offset"))
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]string{"a"}, 30, New(10, 10))
	if !r.HasMore {
		t.Error("expected HasMore with 30 total at offset 10")
	}
	r = NewResponse([]string{"a"}, 20, New(10, 10))
	if r.HasMore {
		t.Error("expected no more results at the last page")
	}
}

func TestNextOffset(t *testing.T) {
	if got := New(25, 50).NextOffset(); got != 75 {
		t.Errorf("expected 75, got %d", got)
	}
}
