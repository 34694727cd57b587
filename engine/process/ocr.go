package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/civilnas/indexer/engine/domain"
)

// OCR language chains: Japanese primary, English fallback.
const (
	ocrLangPrimary  = "jpn+eng"
	ocrLangFallback = "eng"
)

// ocrOutput is one OCR pass over an image.
type ocrOutput struct {
	Text       string
	Confidence float64
	Language   string
}

// ocrEngine shells out to tesseract. Swappable in tests.
type ocrEngine interface {
	Recognize(ctx context.Context, imagePath, langs string) (ocrOutput, error)
}

// tesseractEngine runs the tesseract CLI in TSV mode so per-word confidence
// comes back with the text.
type tesseractEngine struct{}

func (tesseractEngine) Recognize(ctx context.Context, imagePath, langs string) (ocrOutput, error) {
	cmd := exec.CommandContext(ctx, "tesseract", imagePath, "stdout", "-l", langs, "--psm", "3", "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ocrOutput{}, fmt.Errorf("%w: ocr: %v", domain.ErrTimeout, ctx.Err())
		}
		return ocrOutput{}, fmt.Errorf("%w: ocr: %v: %s", domain.ErrProcessingFailure, err, truncate(stderr.String(), 200))
	}
	text, conf := parseTesseractTSV(stdout.String())
	return ocrOutput{Text: text, Confidence: conf, Language: langs}, nil
}

// parseTesseractTSV extracts words and mean confidence from tesseract's TSV
// output. Rows with conf -1 are layout markers, not words.
func parseTesseractTSV(tsv string) (string, float64) {
	var words []string
	var confSum float64
	var confCount int

	lines := strings.Split(tsv, "\n")
	for i, line := range lines {
		if i == 0 { // header
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		words = append(words, word)
		confSum += conf
		confCount++
	}
	if confCount == 0 {
		return "", 0
	}
	return strings.Join(words, " "), confSum / float64(confCount) / 100.0
}

// recognizeWithFallback tries the Japanese chain first and falls back to
// English when nothing legible came out.
func recognizeWithFallback(ctx context.Context, eng ocrEngine, imagePath string) (ocrOutput, error) {
	out, err := eng.Recognize(ctx, imagePath, ocrLangPrimary)
	if err != nil {
		return ocrOutput{}, err
	}
	if strings.TrimSpace(out.Text) != "" {
		return out, nil
	}
	return eng.Recognize(ctx, imagePath, ocrLangFallback)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
