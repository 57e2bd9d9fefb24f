package main

import (
	"context"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/samcharles93/loraserve/internal/api"
	"github.com/samcharles93/loraserve/internal/tokenizer"
	"github.com/urfave/cli/v3"
)

func tokenizeCmd() *cli.Command {
	var (
		text         string
		maxLength    int64
		noTruncation bool
		skipSpecial  bool
		asJSON       bool
	)

	flags := slices.Concat(commonModelFlags(), commonTokenizerFlags(), []cli.Flag{
		&cli.StringFlag{
			Name:        "text",
			Usage:       "text to tokenize (\"-\" reads stdin; defaults to the positional arguments)",
			Destination: &text,
		},
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "truncate to this many tokens (<= 0 is unlimited)",
			Value:       2048,
			Destination: &maxLength,
		},
		&cli.BoolFlag{
			Name:        "no-truncation",
			Usage:       "do not truncate to --max-length",
			Destination: &noTruncation,
		},
		&cli.BoolFlag{
			Name:        "skip-special",
			Usage:       "leave special tokens out of the table",
			Destination: &skipSpecial,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the /tokenize response as JSON",
			Destination: &asJSON,
		},
	})

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Tokenize text and print ids with their vocabulary pieces",
		ArgsUsage: "[text]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			input, err := readPrompt(text, cmd.Args().Slice(), os.Stdin)
			if err != nil {
				return err
			}
			loader, err := newLoader(cmd)
			if err != nil {
				return err
			}
			tok, err := loader.LoadTokenizer()
			if err != nil {
				return err
			}

			ids, err := tok.Encode(input, tokenizer.EncodeOptions{
				AddSpecial: true,
				Truncation: !noTruncation,
				MaxLength:  int(maxLength),
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(os.Stdout, api.TokenizeResponse{Tokens: ids}, false)
			}
			renderTokens(os.Stdout, tok, ids, skipSpecial)
			return nil
		},
	}
}

func renderTokens(w io.Writer, tok tokenizer.Tokenizer, ids []int, skipSpecial bool) {
	data := make([][]string, 0, len(ids))
	for i, id := range ids {
		special := tok.IsSpecial(id)
		if special && skipSpecial {
			continue
		}
		text, err := tok.Decode([]int{id}, false)
		if err != nil {
			text = "?"
		}
		mark := ""
		if special {
			mark = "*"
		}
		data = append(data, []string{
			strconv.Itoa(i),
			strconv.Itoa(id),
			tok.TokenString(id),
			strconv.Quote(text),
			mark,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"POS", "ID", "PIECE", "TEXT", "SPECIAL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
