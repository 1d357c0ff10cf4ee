package view_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/euforicio/d2vault/internal/host"
	"github.com/euforicio/d2vault/internal/view"
)

const sampleSVG = `<?xml version="1.0" encoding="utf-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="320" height="200" style="background:white" viewBox="0 0 320 200"><svg class="d2-inner" width="300" height="180"><rect stroke-width="2" width="10" height="10"/></svg></svg>`

func TestBindWrapsAndResizesTopLevelSVG(t *testing.T) {
	t.Parallel()
	el := host.NewElement()
	el.SetText("placeholder")
	el.Transition(host.StateLoading)
	el.Transition(host.StateRendering)

	if err := view.NewBinder().Bind(el, sampleSVG); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if el.State() != host.StateBound {
		t.Fatalf("expected bound state, got %s", el.State())
	}

	out := el.HTML()
	if strings.Contains(out, "<?xml") || strings.Contains(out, "placeholder") {
		t.Fatalf("expected prolog and old content removed, got %s", out)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	hosts := doc.Find("div.d2-host")
	if hosts.Length() != 1 {
		t.Fatalf("expected one host container, got %d", hosts.Length())
	}
	top := hosts.ChildrenFiltered("svg")
	if top.Length() != 1 {
		t.Fatalf("expected svg directly inside host, got %s", out)
	}
	if w, _ := top.Attr("width"); w != "100%" {
		t.Fatalf("unexpected width %q", w)
	}
	if h, _ := top.Attr("height"); h != "auto" {
		t.Fatalf("unexpected height %q", h)
	}
	if s, _ := top.Attr("style"); s != "max-width:100%;height:auto;display:block" {
		t.Fatalf("unexpected style %q", s)
	}
	if vb, _ := top.Attr("viewBox"); vb != "0 0 320 200" {
		t.Fatalf("expected viewBox preserved, got %q", vb)
	}
	if strings.Count(out, `width="100%"`) != 1 {
		t.Fatalf("expected only the top-level svg to be resized: %s", out)
	}

	inner := doc.Find("svg.d2-inner")
	if w, _ := inner.Attr("width"); w != "300" {
		t.Fatalf("nested svg must be untouched, got width %q", w)
	}
	if !strings.Contains(out, `stroke-width="2"`) {
		t.Fatalf("expected unrelated attributes preserved: %s", out)
	}
}

func TestBindRejectsMarkupWithoutSVG(t *testing.T) {
	t.Parallel()
	el := host.NewElement()
	if err := view.NewBinder().Bind(el, "<div>nothing</div>"); !errors.Is(err, view.ErrNoSVG) {
		t.Fatalf("expected ErrNoSVG, got %v", err)
	}
	if el.State() != host.StatePending {
		t.Fatalf("failed bind must not change state, got %s", el.State())
	}
}

func TestFailWritesPrefixedText(t *testing.T) {
	t.Parallel()
	el := host.NewElement()
	el.SetHTML("<svg></svg>")
	el.Transition(host.StateLoading)

	view.NewBinder().Fail(el, view.RenderErrorPrefix, errors.New(`1:3: unexpected "<" token`))

	if el.State() != host.StateError {
		t.Fatalf("expected error state, got %s", el.State())
	}
	if got := el.Text(); got != `D2 render error: 1:3: unexpected "<" token` {
		t.Fatalf("unexpected text %q", got)
	}
	if strings.Contains(el.HTML(), "<svg") || !strings.Contains(el.HTML(), "&lt;") {
		t.Fatalf("failure text must be escaped and replace markup, got %s", el.HTML())
	}

	again := host.NewElement()
	view.NewBinder().Fail(again, view.InitErrorPrefix, nil)
	if !strings.HasPrefix(again.Text(), "D2 init error: ") {
		t.Fatalf("unexpected init failure text %q", again.Text())
	}
}
