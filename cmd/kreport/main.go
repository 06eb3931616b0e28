package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentkanban/kanband/internal/registry"
	"github.com/agentkanban/kanband/internal/reporter"
)

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  kreport register --id "..." [--name "..."] [--prompt "..."] [--parent "..."] [--kind persistent|hook]`)
	fmt.Fprintln(os.Stderr, `  kreport status --id "..." --status idle|working|waiting|completed|error [--desc "..."]`)
	fmt.Fprintln(os.Stderr, `  kreport session --id "..." [--goal "..."] [--blocker "..."] [--next "..."]`)
	fmt.Fprintln(os.Stderr, `  kreport task-create --id "..." --title "..." [--task "..."] [--prompt "..."] [--status todo|doing]`)
	fmt.Fprintln(os.Stderr, `  kreport task-update --id "..." --task "..." --status todo|doing|done|failed [--result "..."] [--link "..."]`)
	fmt.Fprintln(os.Stderr, `  kreport heartbeat --id "..."`)
	fmt.Fprintln(os.Stderr, `  kreport deregister --id "..."`)
	fmt.Fprintln(os.Stderr, `  kreport run --id "..." [--name "..."] [--prompt "..."]`)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  KANBAND_SERVER    Server URL (default ws://localhost:3001)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	serverURL := os.Getenv("KANBAND_SERVER")

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])
	ctx := context.Background()

	if args["id"] == "" {
		fatal("--id is required")
	}

	switch command {
	case "register":
		kind := registry.ReporterKind(args["kind"])
		if kind != "" && kind != registry.ReporterPersistent && kind != registry.ReporterHook {
			fatal("unknown reporter kind: %s", kind)
		}
		r, err := reporter.Connect(ctx, serverURL, reporter.Options{
			AgentID:       args["id"],
			Name:          args["name"],
			Prompt:        args["prompt"],
			ParentAgentID: args["parent"],
			Kind:          kind,
		})
		if err != nil {
			fatal("%v", err)
		}
		r.Close()
		fmt.Printf("Registered: %s\n", args["id"])

	case "status":
		status := registry.AgentStatus(args["status"])
		if !status.Valid() {
			fatal("unknown status: %s", args["status"])
		}
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.UpdateStatus(status, args["desc"])
		})
		fmt.Printf("Status: %s -> %s\n", args["id"], status)

	case "session":
		goal, blocker, next := optArg(args, "goal"), optArg(args, "blocker"), optArg(args, "next")
		if goal == nil && blocker == nil && next == nil {
			fatal("at least one of --goal, --blocker, --next is required")
		}
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.UpdateSessionInfo(goal, blocker, next)
		})
		fmt.Println("Session info updated.")

	case "task-create":
		if args["title"] == "" {
			fatal("--title is required")
		}
		taskID := args["task"]
		if taskID == "" {
			taskID = uuid.New().String()
		}
		status := registry.TaskStatus(args["status"])
		if status != "" && !status.Valid() {
			fatal("unknown task status: %s", args["status"])
		}
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.CreateTask(taskID, args["title"], args["prompt"], status)
		})
		fmt.Printf("Task created: %s\n", taskID)

	case "task-update":
		if args["task"] == "" {
			fatal("--task is required")
		}
		status := registry.TaskStatus(args["status"])
		if !status.Valid() {
			fatal("unknown task status: %s", args["status"])
		}
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.UpdateTask(args["task"], status, args["result"], args["link"])
		})
		fmt.Printf("Task updated: %s -> %s\n", args["task"], status)

	case "heartbeat":
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.Heartbeat()
		})

	case "deregister":
		oneShot(ctx, serverURL, args["id"], func(r *reporter.Reporter) error {
			return r.Deregister()
		})
		fmt.Printf("Deregistered: %s\n", args["id"])

	case "run":
		runPersistent(ctx, serverURL, args)

	default:
		usage()
	}
}

// oneShot dials, runs fn and closes before the server's disconnect handling
// can matter. The dial does not register, so existing agent state survives.
func oneShot(ctx context.Context, serverURL, agentID string, fn func(*reporter.Reporter) error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := reporter.Dial(ctx, serverURL, agentID)
	if err != nil {
		fatal("%v", err)
	}
	defer r.Close()

	if err := fn(r); err != nil {
		fatal("%v", err)
	}
}

func optArg(args map[string]string, key string) *string {
	if v, ok := args[key]; ok {
		return &v
	}
	return nil
}

// runPersistent keeps a registered connection alive with heartbeats until
// interrupted, then reports completion and deregisters.
func runPersistent(ctx context.Context, serverURL string, args map[string]string) {
	r, err := reporter.Connect(ctx, serverURL, reporter.Options{
		AgentID: args["id"],
		Name:    args["name"],
		Prompt:  args["prompt"],
		Kind:    registry.ReporterPersistent,
	})
	if err != nil {
		fatal("%v", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.StartHeartbeat(hbCtx)

	if err := r.UpdateStatus(registry.AgentWorking, "Session running"); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Reporting as %s; Ctrl-C to finish.\n", args["id"])

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	_ = r.UpdateStatus(registry.AgentCompleted, "Session ended")
	if err := r.Deregister(); err != nil {
		fatal("%v", err)
	}
	fmt.Println("Done.")
}
