package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Pilot/sdk/go/pilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "run-demo"})
	})
	mux.HandleFunc("/api/v1/runs/current", func(w http.ResponseWriter, r *http.Request) {
		end := time.Now().UTC()
		_ = json.NewEncoder(w).Encode(pilot.CurrentRun{
			Status: pilot.Status{Kind: "success", RunID: "run-demo", State: "terminal", Message: "Flashlight is on"},
			Conversation: &pilot.Conversation{
				ID:         "run-demo",
				StartTime:  end.Add(-3 * time.Second),
				EndTime:    &end,
				IsComplete: true,
				Outcome:    "success",
				Summary:    "Flashlight is on",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := pilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runID, err := client.StartRun(ctx, "Turn on the flashlight")
	if err != nil {
		panic(err)
	}
	fmt.Printf("started run %s\n", runID)

	current, err := client.Current(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: %s (%s)\n", current.Status.RunID, current.Conversation.Outcome, current.Conversation.Summary)
}
