package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"

	"draftline/internal/app"
	"draftline/internal/config"
	"draftline/internal/server"
)

func main() {
	workspace, err := os.MkdirTemp("", "draftline-smoke")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(workspace)

	cfg := config.Default()
	cfg.Server.AllowLegacyUserHeader = true
	a, err := app.New(app.Options{Workspace: workspace, Config: cfg, Stub: true})
	if err != nil {
		panic(err)
	}
	defer a.Close()

	h, err := server.New(server.Config{
		App:      a,
		BasePath: "/v0",
		Auth: server.AuthConfig{
			AllowLegacyUserHeader: true,
			Logger:                a.Logger,
		},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	project := post(ts.URL+"/v0/projects", map[string]any{
		"title":   "Smoke draft",
		"content": "A quick end to end pass through the orchestrator.",
	})
	projectID, _ := project["id"].(string)
	fmt.Printf("created project %s\n", projectID)

	resp := post(ts.URL+"/v0/dispatch", map[string]any{
		"project_id": projectID,
		"content":    "Give me three opening angles.",
	})
	fmt.Printf("dispatched via %v, conversation %v, cost %v\n",
		resp["agent_variant"], resp["conversation_id"], resp["cost_usd"])

	state := post(ts.URL+"/v0/workflow/"+projectID+"/next", nil)
	if cp, ok := state["current_phase"].(map[string]any); ok {
		fmt.Printf("advanced to %v\n", cp["type"])
	}
}

func post(url string, body map[string]any) map[string]any {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "smoke")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	if res.StatusCode >= 300 {
		panic(fmt.Sprintf("status=%d resp=%v", res.StatusCode, out))
	}
	return out
}
