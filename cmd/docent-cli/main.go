package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/docentlabs/docent/common/environment"
	"github.com/docentlabs/docent/common/version"
	"github.com/docentlabs/docent/internal/docent/convo"
	"github.com/docentlabs/docent/internal/docent/engine"
	"github.com/docentlabs/docent/internal/docent/profile"
	"github.com/docentlabs/docent/internal/docent/retrieval"
)

// docent-cli runs a single conversation against the terminal instead of a
// chat platform. Useful for profile tuning and for smoke-testing retrieval
// collections without a Matrix homeserver.
func main() {
	profilePath := flag.String("profile", "", "path to assistant profile YAML (empty uses built-in defaults)")
	questionsFile := flag.String("f", "", "read questions from file, one per line, then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	conv, err := buildConversation(*profilePath)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := conv.Listen(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	if *questionsFile != "" {
		if err := runBatch(ctx, conv, *questionsFile); err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		return
	}

	runREPL(ctx, conv)
}

// buildConversation wires the engine, retrieval library and a terminal
// notifier into one throwaway conversation. No session store; the CLI does
// not persist memory across runs.
func buildConversation(profilePath string) (*convo.Conversation, error) {
	apiKey, err := environment.RequiredString("OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}

	prof, err := profile.Load(profilePath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	embedder := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:  apiKey,
		BaseURL: environment.StringOr("OPENAI_BASE_URL", ""),
	})
	searcher := retrieval.NewQdrantClient(retrieval.QdrantConfig{
		URL:    environment.StringOr("QDRANT_URL", "http://localhost:6333"),
		APIKey: environment.StringOr("QDRANT_API_KEY", ""),
	})

	tools := make([]retrieval.Tool, 0, len(prof.Tools))
	specs := make([]engine.ToolSpec, 0, len(prof.Tools))
	for _, t := range prof.Tools {
		tools = append(tools, retrieval.Tool{
			Name:        t.Name,
			Description: t.Description,
			Collections: t.Collections,
		})
		specs = append(specs, engine.ToolSpec{Name: t.Name, Description: t.Description})
	}
	library := retrieval.NewLibrary(embedder, searcher, tools, 0, logger)

	eng := engine.NewOpenAI(engine.Config{
		APIKey:       apiKey,
		BaseURL:      environment.StringOr("OPENAI_BASE_URL", ""),
		Model:        environment.StringOr("OPENAI_MODEL", ""),
		SystemPrompt: prof.SystemPrompt,
		Tools:        specs,
		Logger:       logger,
	}, library)

	key := convo.Key{Channel: "cli", Thread: fmt.Sprintf("%d", time.Now().UnixNano())}
	deps := convo.Deps{
		Engine:   eng,
		Notifier: &terminalNotifier{},
		Sink:     &terminalSink{},
		Logger:   logger,
	}
	return convo.NewConversation(key, "local", prof.Greeting, deps), nil
}

func runREPL(ctx context.Context, conv *convo.Conversation) {
	prompt := color.New(color.FgCyan, color.Bold)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for {
		prompt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		}
		if err := conv.Inquire(ctx, line); err != nil {
			color.Red("%v", err)
		}
	}
}

func runBatch(ctx context.Context, conv *convo.Conversation, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open questions file: %w", err)
	}
	defer f.Close()

	cyan := color.New(color.FgCyan, color.Bold)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cyan.Printf("you> %s\n", line)
		if err := conv.Inquire(ctx, line); err != nil {
			color.Red("%v", err)
		}
	}
	return scanner.Err()
}

// terminalNotifier prints conversation output to stdout.
type terminalNotifier struct{}

func (terminalNotifier) Post(ctx context.Context, key convo.Key, text string) error {
	color.Yellow("%s", text)
	return nil
}

func (terminalNotifier) PostAnswer(ctx context.Context, key convo.Key, markdown string) error {
	green := color.New(color.FgGreen)
	green.Printf("docent> ")
	fmt.Println(markdown)
	return nil
}

var _ convo.Notifier = terminalNotifier{}

// terminalSink shows lookup progress on stderr so batch output stays clean.
type terminalSink struct{}

func (terminalSink) ToolStarted(tool, input string) {
	fmt.Fprintf(os.Stderr, "%s\n", color.HiBlackString("[%s: %s]", tool, input))
}

func (terminalSink) ToolFinished(tool string) {}
func (terminalSink) AnswerReady(text string)  {}

var _ convo.EventSink = terminalSink{}
