package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"PhonePilot/sdk/go/phonepilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(phonepilot.Run{
				ID:          "run-demo",
				Instruction: "打开设置并开启飞行模式",
				DeviceID:    "dev-1",
				Status:      "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(phonepilot.Run{
			ID:          "run-demo",
			Instruction: "打开设置并开启飞行模式",
			DeviceID:    "dev-1",
			Status:      "completed",
			Result: &phonepilot.RunOutcome{
				FinalStatus: "completed",
				Reason:      "FINISH",
				StepCount:   4,
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := phonepilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAccessToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := client.SubmitRun(ctx, phonepilot.RunSubmission{
		Instruction: "打开设置并开启飞行模式",
		DeviceID:    "dev-1",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", record.ID, record.Status)

	final, err := client.WaitForRun(ctx, record.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: status=%s steps=%d\n", final.ID, final.Status, final.Result.StepCount)
}
