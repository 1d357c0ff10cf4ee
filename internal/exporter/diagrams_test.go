package exporter

import (
	"bytes"
	"context"
	"image/png"
	"strings"
	"testing"
)

func TestDiagramEncoderEmbedsRenderedDiagrams(t *testing.T) {
	t.Parallel()
	enc := &diagramEncoder{diagrams: fakeDiagrams{}}
	raw := "# Title\n\n```d2\na -> b\n```\n\n~~~python\nprint('d2')\n~~~\n"

	out, err := enc.encode(context.Background(), []byte(raw))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(out)
	if !strings.Contains(got, "![D2 diagram](data:image/png;base64,") {
		t.Fatalf("expected embedded image, got %q", got)
	}
	if strings.Contains(got, "a -> b") {
		t.Fatalf("diagram source should be replaced: %q", got)
	}
	if !strings.Contains(got, "~~~python\nprint('d2')\n~~~\n") {
		t.Fatalf("other fences must be kept verbatim: %q", got)
	}
}

func TestDiagramEncoderKeepsFencesItCannotRender(t *testing.T) {
	t.Parallel()
	raw := "intro\n\n````D2 {layout: elk}\nbroken -> {\n````\n\n```d2\nunclosed\n"

	for name, enc := range map[string]*diagramEncoder{
		"failing renderer": {diagrams: fakeDiagrams{}},
		"no renderer":      {},
	} {
		out, err := enc.encode(context.Background(), []byte(raw))
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		if !strings.Contains(string(out), "````D2 {layout: elk}\nbroken -> {\n````\n") {
			t.Errorf("%s: expected failed fence preserved, got %q", name, out)
		}
		if !strings.HasSuffix(string(out), "```d2\nunclosed\n") {
			t.Errorf("%s: expected unclosed fence preserved, got %q", name, out)
		}
	}
}

func TestSVGToPNGUsesViewBox(t *testing.T) {
	t.Parallel()
	data, err := svgToPNG([]byte(testSVG))
	if err != nil {
		t.Fatalf("svgToPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("expected 40x20 image, got %v", b)
	}
}
