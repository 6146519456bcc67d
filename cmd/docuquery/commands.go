package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/docuquery/internal/config"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/query"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/service"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents into the knowledge base",
	Long: `Ingest PDF, Markdown, text and HTML files.

By default files are uploaded to the running server. With --local they are
loaded and indexed in-process, which needs no running server.

Examples:
  docuquery ingest --file ./handbook.pdf
  docuquery ingest --dir ./docs --metadata team=platform --async
  docuquery ingest --file ./notes.md --local`,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _ := cmd.Flags().GetStringArray("file")
		dir, _ := cmd.Flags().GetString("dir")
		async, _ := cmd.Flags().GetBool("async")
		local, _ := cmd.Flags().GetBool("local")
		metaPairs, _ := cmd.Flags().GetStringArray("metadata")

		if len(files) == 0 && dir == "" {
			return fmt.Errorf("one of --file or --dir is required")
		}
		if async && local {
			return fmt.Errorf("--async and --local cannot be combined")
		}

		metadata, err := parseMetadata(metaPairs)
		if err != nil {
			return err
		}
		paths, err := collectFiles(files, dir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			printWarning("No supported files found")
			return nil
		}

		ctx := cmd.Context()
		if local {
			return ingestLocal(ctx, paths, metadata)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ingestFiles(paths, func(path string) (ingest.Result, error) {
			return uploadFile(ctx, client, path, metadata, async)
		})
	},
}

func init() {
	ingestCmd.Flags().StringArray("file", nil, "file to ingest (repeatable)")
	ingestCmd.Flags().String("dir", "", "directory to ingest recursively")
	ingestCmd.Flags().Bool("async", false, "queue documents for the background worker")
	ingestCmd.Flags().Bool("local", false, "index in-process instead of uploading to the server")
	ingestCmd.Flags().StringArray("metadata", nil, "custom metadata as key=value (repeatable)")
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// collectFiles returns the explicit files followed by every supported file
// under dir. Hidden directories are skipped.
func collectFiles(files []string, dir string) ([]string, error) {
	paths := append([]string(nil), files...)
	if dir == "" {
		return paths, nil
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := document.TypeFromFilename(path); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return paths, nil
}

// uploadRequest reads a file and encodes it for the upload endpoint.
func uploadRequest(path string, metadata map[string]string) (ingest.Request, error) {
	fileType, ok := document.TypeFromFilename(path)
	if !ok {
		return ingest.Request{}, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Request{}, fmt.Errorf("reading file: %w", err)
	}
	return ingest.Request{
		Filename: filepath.Base(path),
		Content:  base64.StdEncoding.EncodeToString(data),
		FileType: fileType,
		Metadata: metadata,
	}, nil
}

func uploadFile(ctx context.Context, client *apiClient, path string, metadata map[string]string, async bool) (ingest.Result, error) {
	req, err := uploadRequest(path, metadata)
	if err != nil {
		return ingest.Result{}, err
	}
	endpoint := "/documents/upload"
	if async {
		endpoint += "?async=true"
	}
	resp, err := client.post(ctx, endpoint, req)
	if err != nil {
		return ingest.Result{}, err
	}
	var res ingest.Result
	if err := decodeJSON(resp, &res); err != nil {
		return ingest.Result{}, err
	}
	return res, nil
}

func ingestLocal(ctx context.Context, paths []string, metadata map[string]string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Log.Level = "warn"
	logger, logCloser := newLogger(cfg.Log, os.Stderr)
	defer logCloser.Close()

	app, err := service.Build(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer app.Close()

	return ingestFiles(paths, func(path string) (ingest.Result, error) {
		return app.Service.IngestFile(ctx, path, metadata), nil
	})
}

// ingestFiles runs one ingestion per path and reports each outcome. It
// keeps going after failures and returns an error summarizing them.
func ingestFiles(paths []string, ingestOne func(path string) (ingest.Result, error)) error {
	failed := 0
	for _, path := range paths {
		printStep("Ingesting %s", path)
		res, err := ingestOne(path)
		switch {
		case err != nil:
			failed++
			printError("%s: %v", path, err)
		case res.Status == document.StatusFailed:
			failed++
			printError("%s: %s", path, res.Message)
		case res.Status == document.StatusPending:
			printSuccess("Queued %s as %s", filepath.Base(path), res.DocumentID)
		default:
			printSuccess("Indexed %s as %s (%d chunks)", filepath.Base(path), res.DocumentID, res.ChunkCount)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(paths))
	}
	return nil
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question about the ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		noSources, _ := cmd.Flags().GetBool("no-sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", query.Request{
			Question:       strings.Join(args, " "),
			TopK:           topK,
			IncludeSources: !noSources,
		})
		if err != nil {
			return err
		}
		var answer query.Response
		if err := decodeJSON(resp, &answer); err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), answer)
		return nil
	},
}

func init() {
	queryCmd.Flags().Int("top-k", 0, "number of chunks to retrieve (default from server config)")
	queryCmd.Flags().Bool("no-sources", false, "omit the source list")
}

func printAnswer(w io.Writer, resp query.Response) {
	fmt.Fprintln(w, resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold.Sprint("Sources:"))
		printSources(w, resp.Sources)
	}
	if resp.Provider != "" {
		fmt.Fprintf(w, "\n%s %s/%s, %d tokens, %dms\n", cyan.Sprint("→"), resp.Provider, resp.Model, resp.TokensUsed, resp.LatencyMS)
	}
}

func printSources(w io.Writer, sources []query.Source) {
	for i, s := range sources {
		where := s.DocumentName
		if s.PageNumber != nil {
			where = fmt.Sprintf("%s, page %d", where, *s.PageNumber)
		}
		fmt.Fprintf(w, "  [%d] %s (score %.2f)\n", i+1, where, s.RelevanceScore)
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		docID, _ := cmd.Flags().GetString("document")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"query":       strings.Join(args, " "),
			"limit":       limit,
			"document_id": docID,
		})
		if err != nil {
			return err
		}
		var out struct {
			Results []query.Source `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Results) == 0 {
			printWarning("No matching chunks")
			return nil
		}
		w := cmd.OutOrStdout()
		for i, s := range out.Results {
			fmt.Fprintf(w, "%s %s (score %.2f)\n", bold.Sprintf("[%d]", i+1), s.DocumentName, s.RelevanceScore)
			fmt.Fprintf(w, "    %s\n", snippet(s.Content, 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("document", "", "restrict the search to one document id")
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "List, inspect and delete documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		resp, err := client.get(cmd.Context(), "/documents?"+q.Encode())
		if err != nil {
			return err
		}
		var page service.DocumentPage
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}
		printDocuments(cmd.OutOrStdout(), page)
		return nil
	},
}

func printDocuments(w io.Writer, page service.DocumentPage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tTYPE\tSTATUS\tCHUNKS\tCREATED")
	for _, d := range page.Documents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			d.ID, d.Filename, d.FileType, statusColor(string(d.Status)).Sprint(d.Status),
			d.ChunkCount, d.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d-%d of %d\n", min(page.Offset+1, page.Total), page.Offset+len(page.Documents), page.Total)
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var info service.DocumentInfo
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out struct {
			DeletedChunks int `json:"deleted_chunks"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Deleted %s (%d chunks)", args[0], out.DeletedChunks)
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "page size (max 100)")
	documentsListCmd.Flags().Int("offset", 0, "number of documents to skip")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- stats / health ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show vector collection statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents/stats")
		if err != nil {
			return err
		}
		var stats retrieval.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printStatus("Collection", "%s (%s)", stats.Name, stats.Backend)
		printStatus("Status", "%s", stats.Status)
		printStatus("Points", "%d", stats.PointsCount)
		printStatus("Vectors", "%d", stats.VectorsCount)
		printStatus("Dimension", "%d", stats.Dimension)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Aliases: []string{"status"},
	Short:   "Show server and component health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printStatus("Server", "%s", red.Sprint("stopped"))
			return nil
		}
		var report service.Health
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printHealth(report)
		if !report.Ready() {
			return fmt.Errorf("server is %s", report.Status)
		}
		return nil
	},
}

func printHealth(h service.Health) {
	printStatus("Server", "%s (version %s)", statusColor(h.Status).Sprint(h.Status), h.Version)
	for _, name := range []string{"vector_store", "llm", "embeddings"} {
		c, ok := h.Components[name]
		if !ok {
			continue
		}
		line := statusColor(c.Status).Sprint(c.Status)
		if c.Error != "" {
			line += " (" + c.Error + ")"
		}
		printStatus(name, "%s", line)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", bold.Sprint(k.Key), k.Value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nconfig file: %s\n", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
