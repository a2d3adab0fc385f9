package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/config"
)

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// userClient builds an API client that speaks for the --user and
// --user-name flags of cmd.
func userClient(cmd *cobra.Command) (*apiClient, error) {
	user, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("user-name")
	if name == "" {
		name = user
	}
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	return client.as(user, name), nil
}

func addUserFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", defaultUser(), "user id to act as")
	cmd.Flags().String("user-name", "", "display name (default: user id)")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <companion-id> <prompt...>",
	Short: "Send one message to a companion and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		companionID := args[0]
		prompt := strings.Join(args[1:], " ")

		client, err := userClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/chat/"+url.PathEscape(companionID), map[string]string{"prompt": prompt})
		if err != nil {
			return err
		}
		if err := streamText(resp, os.Stdout); err != nil {
			return err
		}
		fmt.Println()
		return nil
	},
}

func init() {
	addUserFlags(chatCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <companion-id>",
	Short: "Show recent conversation memory with a companion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		companionID := url.PathEscape(args[0])
		messages, _ := cmd.Flags().GetBool("messages")

		client, err := userClient(cmd)
		if err != nil {
			return err
		}

		if messages {
			resp, err := client.get(cmd.Context(), "/api/chat/"+companionID+"/messages")
			if err != nil {
				return err
			}
			var out []struct {
				ID        string `json:"id"`
				Role      string `json:"role"`
				Content   string `json:"content"`
				CreatedAt string `json:"created_at"`
			}
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			if len(out) == 0 {
				fmt.Println("No messages found.")
				return nil
			}
			for _, m := range out {
				fmt.Println(speaker(m.Role, m.Content))
			}
			return nil
		}

		resp, err := client.get(cmd.Context(), "/api/chat/"+companionID+"/history")
		if err != nil {
			return err
		}
		var out struct {
			Lines []string `json:"lines"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Lines) == 0 {
			fmt.Println("No history yet.")
			return nil
		}
		for _, line := range out.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	addUserFlags(historyCmd)
	historyCmd.Flags().Bool("messages", false, "show the durable message log instead of short-term memory")
}

// --- companion ---

type companionSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
	Seed         string `json:"seed"`
	CategoryID   string `json:"category_id"`
	SourceFile   string `json:"source_file"`
	UserName     string `json:"user_name"`
	MessageCount int    `json:"message_count"`
}

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Create and inspect companions",
}

var companionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a companion",
	Long: `Create a companion.

Examples:
  companion companion create --name Elon --description "Entrepreneur" \
    --instructions ./elon.txt --seed-file ./elon-seed.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		instructions, _ := cmd.Flags().GetString("instructions")
		seedFile, _ := cmd.Flags().GetString("seed-file")
		src, _ := cmd.Flags().GetString("src")
		category, _ := cmd.Flags().GetString("category")

		if name == "" || description == "" || instructions == "" || seedFile == "" {
			return fmt.Errorf("--name, --description, --instructions and --seed-file are required")
		}

		instructions, err := readMaybeFile(instructions)
		if err != nil {
			return err
		}
		seed, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("reading seed file: %w", err)
		}

		client, err := userClient(cmd)
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/companions", map[string]string{
			"name":         name,
			"description":  description,
			"instructions": instructions,
			"seed":         string(seed),
			"src":          src,
			"category_id":  category,
		})
		if err != nil {
			return err
		}

		var c companionSummary
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Created companion %s (%s)", c.Name, c.ID)
		return nil
	},
}

// readMaybeFile returns the contents of s when it names a readable file,
// otherwise s itself.
func readMaybeFile(s string) (string, error) {
	info, err := os.Stat(s)
	if err != nil || info.IsDir() {
		return s, nil
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", s, err)
	}
	return string(data), nil
}

var companionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companions",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if name != "" {
			q.Set("name", name)
		}
		if category != "" {
			q.Set("category", category)
		}
		resp, err := client.get(cmd.Context(), "/api/companions?"+q.Encode())
		if err != nil {
			return err
		}

		var list []companionSummary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No companions found.")
			return nil
		}
		for _, c := range list {
			desc := c.Description
			if len(desc) > 60 {
				desc = desc[:60] + "..."
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, c.ID), colorize(colorBold, c.Name), desc)
		}
		return nil
	},
}

var companionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single companion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/companions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var c companionSummary
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printStatus("Name", "%s", c.Name)
		printStatus("ID", "%s", c.ID)
		printStatus("Description", "%s", c.Description)
		printStatus("Category", "%s", c.CategoryID)
		printStatus("Created by", "%s", c.UserName)
		printStatus("Source file", "%s", c.SourceFile)
		printStatus("Messages", "%d", c.MessageCount)
		fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Instructions"), c.Instructions)
		return nil
	},
}

func init() {
	addUserFlags(companionCreateCmd)
	companionCreateCmd.Flags().String("name", "", "companion name")
	companionCreateCmd.Flags().String("description", "", "short description")
	companionCreateCmd.Flags().String("instructions", "", "persona instructions, inline or a file path")
	companionCreateCmd.Flags().String("seed-file", "", "file holding the seed conversation")
	companionCreateCmd.Flags().String("src", "", "avatar image URL")
	companionCreateCmd.Flags().String("category", "", "category id")

	companionListCmd.Flags().String("name", "", "filter by name substring")
	companionListCmd.Flags().String("category", "", "filter by category id")
	companionListCmd.Flags().Int("limit", 20, "maximum number of companions to list")

	companionCmd.AddCommand(companionCreateCmd)
	companionCmd.AddCommand(companionListCmd)
	companionCmd.AddCommand(companionShowCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <companion-id>",
	Short: "Add background knowledge to a companion",
	Long: `Add background knowledge to a companion.

Examples:
  companion ingest c1 --text "Born in Pretoria in 1971."
  companion ingest c1 --url https://en.wikipedia.org/wiki/Elon_Musk
  companion ingest c1 --file ./biography.pdf --title "Biography"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")

		if text == "" && link == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{
			"companion_id": args[0],
			"source":       "cli",
		}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case link != "":
			req["type"] = "url"
			req["url"] = link
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "file"
			req["content"] = base64.StdEncoding.EncodeToString(data)
			if title == "" {
				req["title"] = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/ingest", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s into %s", result["id"], result["source_file"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (text, HTML or PDF)")
	ingestCmd.Flags().String("title", "", "title for the document")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <companion-id> <query>",
	Short: "Semantic search over a companion's knowledge",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args[1:], " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), recallPath(args[0], query, limit))
		if err != nil {
			return err
		}

		var out struct {
			Documents []struct {
				Content  string `json:"content"`
				Metadata struct {
					SourceFile string `json:"source_file"`
				} `json:"metadata"`
				Score float32 `json:"score"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		if len(out.Documents) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, d := range out.Documents {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), d.Score)
			text := d.Content
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func recallPath(companionID, query string, limit int) string {
	q := url.Values{}
	q.Set("companion", companionID)
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(limit))
	return "/api/recall?" + q.Encode()
}

func init() {
	recallCmd.Flags().Int("limit", 3, "maximum number of results")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
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
