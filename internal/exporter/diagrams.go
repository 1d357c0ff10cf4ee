package exporter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

var errNoDiagramRenderer = errors.New("diagram renderer unavailable")

// diagramEncoder turns d2 fences into data URI images so the PDF renderer
// doesn't need to understand diagram sources.
type diagramEncoder struct {
	diagrams DiagramRenderer
	logger   *slog.Logger
}

// encode rewrites d2 fences into markdown image tags with embedded PNG data.
// If a diagram fails to render, its original fence is left intact.
func (e *diagramEncoder) encode(ctx context.Context, raw []byte) ([]byte, error) {
	var (
		out          bytes.Buffer
		scanner      = bufio.NewScanner(bytes.NewReader(raw))
		inFence      bool
		isDiagram    bool
		fenceOpen    string
		fenceMarker  string
		diagramLines bytes.Buffer
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !inFence {
			if marker, lang, ok := parseFenceStart(trimmed); ok {
				inFence = true
				fenceOpen = line
				fenceMarker = marker
				isDiagram = isDiagramFence(lang)
				diagramLines.Reset()
				if !isDiagram {
					writeLine(&out, line)
				}
				continue
			}
			writeLine(&out, line)
			continue
		}

		if isFenceEnd(trimmed, fenceMarker) {
			if isDiagram {
				if err := e.flushD2(ctx, &out, diagramLines.String()); err != nil {
					if e.logger != nil {
						e.logger.DebugContext(ctx, "keeping d2 fence as code", slog.Any("err", err))
					}
					writeLine(&out, fenceOpen)
					out.Write(diagramLines.Bytes())
					writeLine(&out, line)
				}
			} else {
				writeLine(&out, line)
			}
			inFence = false
			isDiagram = false
			continue
		}

		if isDiagram {
			writeLine(&diagramLines, line)
		} else {
			writeLine(&out, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Unclosed fence: emit buffered content as-is.
	if inFence && isDiagram {
		writeLine(&out, fenceOpen)
		out.Write(diagramLines.Bytes())
	}

	return out.Bytes(), nil
}

func (e *diagramEncoder) flushD2(ctx context.Context, out *bytes.Buffer, source string) error {
	if strings.TrimSpace(source) == "" {
		return errors.New("empty diagram")
	}
	if e == nil || e.diagrams == nil {
		return errNoDiagramRenderer
	}

	svg, err := e.diagrams.Render(ctx, source)
	if err != nil {
		return fmt.Errorf("render d2: %w", err)
	}

	pngData, err := svgToPNG([]byte(svg))
	if err != nil {
		return fmt.Errorf("rasterize d2 svg: %w", err)
	}

	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
	_, err = fmt.Fprintf(out, "![D2 diagram](%s)\n\n", dataURI)
	return err
}

func parseFenceStart(line string) (marker, lang string, ok bool) {
	for _, char := range []byte{'`', '~'} {
		n := leadingCount(line, char)
		if n < 3 {
			continue
		}
		marker = line[:n]
		lang = strings.TrimSpace(line[n:])
		return marker, lang, true
	}
	return "", "", false
}

func isFenceEnd(line, marker string) bool {
	if marker == "" || len(line) < len(marker) {
		return false
	}
	return leadingCount(line, marker[0]) == len(line)
}

// isDiagramFence matches the first word of the info string, like the
// renderer does when picking a processor.
func isDiagramFence(info string) bool {
	fields := strings.Fields(info)
	return len(fields) > 0 && strings.EqualFold(fields[0], "d2")
}

func leadingCount(line string, char byte) int {
	count := 0
	for count < len(line) && line[count] == char {
		count++
	}
	return count
}

func writeLine(buf *bytes.Buffer, line string) {
	buf.WriteString(line)
	buf.WriteByte('\n')
}

// svgToPNG rasterizes an SVG into a PNG byte slice suitable for embedding as a data URI.
func svgToPNG(svg []byte) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}

	viewbox := icon.ViewBox
	width := int(math.Ceil(viewbox.W))
	height := int(math.Ceil(viewbox.H))
	if width <= 0 || height <= 0 {
		width, height = 800, 600
	}

	icon.SetTarget(0, 0, float64(width), float64(height))

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	scanner := rasterx.NewScannerGV(width, height, canvas, canvas.Bounds())
	raster := rasterx.NewDasher(width, height, scanner)
	icon.Draw(raster, 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
