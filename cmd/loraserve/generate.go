package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samcharles93/loraserve/internal/api"
	"github.com/samcharles93/loraserve/internal/inference"
	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/urfave/cli/v3"
)

func generateCmd() *cli.Command {
	var (
		sampling   samplingFlags
		prompt     string
		seed       int64
		echoPrompt bool
		compact    bool
	)

	flags := slices.Concat(commonModelFlags(), commonTokenizerFlags(), sampling.flags(), []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (\"-\" reads stdin; defaults to the positional arguments)",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (random when unset)",
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "prefix the output text with the prompt",
			Destination: &echoPrompt,
		},
		&cli.BoolFlag{
			Name:        "compact",
			Usage:       "print single-line JSON",
			Destination: &compact,
		},
	})

	return &cli.Command{
		Name:      "generate",
		Usage:     "Run one generation and print the /process response as JSON",
		ArgsUsage: "[prompt]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySamplingConfig(cmd, fileConfig, &sampling)

			text, err := readPrompt(prompt, cmd.Args().Slice(), os.Stdin)
			if err != nil {
				return err
			}

			loader, err := newLoader(cmd)
			if err != nil {
				return err
			}
			engine, err := loader.Load(ctx)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer engine.Close()

			opts := inference.RequestOptions{Prompt: text, EchoPrompt: &echoPrompt}
			if cmd.IsSet("seed") {
				opts.Seed = &seed
			}
			req := inference.ResolveRequest(opts, genDefaults(sampling))
			logger.FromContext(ctx).Debug("generating", "seed", req.Seed, "max_new_tokens", req.MaxNewTokens, "top_k", req.TopK, "temperature", req.Temperature)

			res, err := engine.Process(ctx, &req)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, api.NewProcessResponse(res), compact)
		},
	}
}

// readPrompt picks the prompt from the flag, the positional arguments or
// stdin, in that order.
func readPrompt(flag string, args []string, stdin io.Reader) (string, error) {
	switch {
	case flag == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		flag = strings.TrimSuffix(string(raw), "\n")
	case flag == "" && len(args) > 0:
		flag = strings.Join(args, " ")
	}
	if flag == "" {
		return "", errors.New("a prompt is required (--prompt, positional argument or --prompt=- for stdin)")
	}
	return flag, nil
}

func writeJSON(w io.Writer, v any, compact bool) error {
	var (
		out []byte
		err error
	)
	if compact {
		out, err = json.Marshal(v)
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	out = append(out, '\n')
	_, err = w.Write(out)
	return err
}
