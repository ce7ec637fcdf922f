package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/silfer/silferbot/internal/config"
)

// --- cluster ---

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Show cluster membership and the current master",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/status")
		if err != nil {
			return err
		}

		var status struct {
			Cluster struct {
				DeviceID string `json:"device"`
				Priority int    `json:"priority"`
				IsMaster bool   `json:"isMaster"`
				Master   *struct {
					Device        string `json:"device"`
					StartedAt     string `json:"startedAt"`
					LastHeartbeat string `json:"lastHeartbeat"`
				} `json:"master"`
				Devices map[string]struct {
					Priority int    `json:"priority"`
					Status   string `json:"status"`
					LastSeen string `json:"lastSeen"`
				} `json:"devices"`
			} `json:"cluster"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		c := status.Cluster
		role := "standby"
		if c.IsMaster {
			role = "master"
		}
		printStatus("This device", "%s (priority %d, %s)", c.DeviceID, c.Priority, role)
		if c.Master != nil {
			printStatus("Cluster master", "%s (since %s)", c.Master.Device, c.Master.StartedAt)
		} else {
			printStatus("Cluster master", "none")
		}
		for id, d := range c.Devices {
			fmt.Printf("  %s  priority=%d  status=%s  last seen %s\n",
				colorize(colorBold, id), d.Priority, d.Status, d.LastSeen)
		}
		return nil
	},
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List customer questions waiting for an answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/pending")
		if err != nil {
			return err
		}

		var pending []struct {
			ID         string `json:"id"`
			ClientName string `json:"clientName"`
			ClientJID  string `json:"clientJid"`
			Question   string `json:"question"`
			CreatedAt  string `json:"createdAt"`
		}
		if err := decodeJSON(resp, &pending); err != nil {
			return err
		}

		if len(pending) == 0 {
			fmt.Println("No pending questions.")
			return nil
		}
		for _, pq := range pending {
			name := pq.ClientName
			if name == "" {
				name = pq.ClientJID
			}
			question := pq.Question
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, pq.ID), name, question)
		}
		return nil
	},
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage learned responses",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/memory")
		if err != nil {
			return err
		}

		var learned []struct {
			ID       string `json:"id"`
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := decodeJSON(resp, &learned); err != nil {
			return err
		}

		if len(learned) == 0 {
			fmt.Println("Nothing learned yet.")
			return nil
		}
		for _, lr := range learned {
			answer := lr.Answer
			if len(answer) > 60 {
				answer = answer[:60] + "..."
			}
			fmt.Printf("%s  %s\n    %s\n", colorize(colorCyan, lr.ID), lr.Question, answer)
		}
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single learned response as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/memory/" + args[0])
		if err != nil {
			return err
		}

		var lr any
		if err := decodeJSON(resp, &lr); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(lr)
	},
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <question> <answer>",
	Short: "Teach the bot a new answer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/memory", map[string]string{
			"question": args[0],
			"answer":   args[1],
		})
		if err != nil {
			return err
		}

		var lr struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &lr); err != nil {
			return err
		}

		printSuccess("Learned response %s", lr.ID)
		return nil
	},
}

var memorySetCmd = &cobra.Command{
	Use:   "set <id> <answer>",
	Short: "Replace the answer of a learned response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch("/memory/"+args[0], map[string]string{"answer": args[1]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Updated %s", args[0])
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Forget a learned response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/memory/" + args[0])
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memorySetCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base",
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge base documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/knowledge")
		if err != nil {
			return err
		}

		var docs []struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Source string `json:"source"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("Knowledge base is empty.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %s\n    %s\n", colorize(colorCyan, d.ID[:8]), d.Title, d.Source)
		}
		return nil
	},
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <url-or-pdf>",
	Short: "Import a web page or PDF into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"source": args[0]}
		if title != "" {
			req["title"] = title
		}
		resp, err := client.post("/knowledge/import", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued import %s", result["jobId"])
		return nil
	},
}

func init() {
	knowledgeImportCmd.Flags().String("title", "", "title for the document")
	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeImportCmd)
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
