package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/adverant/nexus/currencyscan-worker/internal/batch"
	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
)

type CLI struct {
	out       io.Writer
	imagesDir string
	output    string
	workers   int
	languages string
	visionURL string
	text      string
	blocks    int
}

func NewCLI(out io.Writer) *CLI {
	return &CLI{
		out:       out,
		output:    "output/scans.csv",
		workers:   2,
		languages: "eng,chi_tra",
		visionURL: os.Getenv("VISION_API_URL"),
	}
}

func (c *CLI) Run(args []string) error {
	fs := flag.NewFlagSet("currencyscan", flag.ContinueOnError)
	fs.SetOutput(c.out)

	fs.StringVar(&c.imagesDir, "images", c.imagesDir, "Directory of banknote photos to scan")
	fs.StringVar(&c.output, "output", c.output, "CSV file for batch results (empty disables export)")
	fs.IntVar(&c.workers, "workers", c.workers, "Concurrent scan workers")
	fs.StringVar(&c.languages, "langs", c.languages, "Comma-separated Tesseract languages")
	fs.StringVar(&c.visionURL, "vision", c.visionURL, "Vision service URL used as OCR fallback")
	fs.StringVar(&c.text, "text", c.text, "Score already recognized text instead of images")
	fs.IntVar(&c.blocks, "blocks", c.blocks, "Text block count for -text")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	switch {
	case c.text != "":
		return c.scoreText()
	case c.imagesDir != "":
		return c.scanImages()
	default:
		fs.Usage()
		return fmt.Errorf("one of -text or -images is required")
	}
}

func (c *CLI) scoreText() error {
	verdict := scorer.Score(c.text, c.blocks)
	fmt.Fprintln(c.out, verdict.Summary())
	return nil
}

func (c *CLI) scanImages() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var langs []string
	for _, l := range strings.Split(c.languages, ",") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}

	tesseract, err := processor.NewTesseractOCR(&processor.TesseractConfig{Languages: langs})
	if err != nil {
		return fmt.Errorf("creating OCR engine: %w", err)
	}
	var recognizer processor.Recognizer = tesseract
	if c.visionURL != "" {
		recognizer = &processor.TieredRecognizer{
			Primary:       tesseract,
			Fallback:      processor.NewVisionOCR(clients.NewVisionClient(c.visionURL, nil), ""),
			MinConfidence: 0.6,
		}
	}

	proc, err := processor.NewScanProcessor(&processor.ProcessorConfig{
		Recognizer: recognizer,
		Logger:     logging.NewLogger("scan"),
	})
	if err != nil {
		return err
	}

	rows, err := batch.Run(ctx, proc, batch.Options{
		Dir:     c.imagesDir,
		Output:  c.output,
		Workers: c.workers,
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, row := range rows {
		if row.Err != nil {
			failed++
			fmt.Fprintf(c.out, "Error processing %s: %v\n", row.Filename, row.Err)
			continue
		}
		fmt.Fprintf(c.out, "== %s ==\n%s\n", row.Filename, row.Result.Verdict.Summary())
	}

	fmt.Fprintf(c.out, "\nProcessed %d images (%d failed)\n", len(rows), failed)
	if c.output != "" {
		fmt.Fprintf(c.out, "Results saved to: %s\n", c.output)
	}
	return nil
}
