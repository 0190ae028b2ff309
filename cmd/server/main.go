package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mindgraph/internal/config"
	"mindgraph/internal/realtime"
	"mindgraph/internal/session"
	"mindgraph/internal/store"
	"mindgraph/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Persistence gateway. An empty driver keeps sessions in memory.
	var st store.Store
	if cfg.DBDriver == "" {
		st = store.NewMemoryStore()
	} else {
		gs, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			log.Fatalf("open session store: %v", err)
		}
		st = gs
	}
	defer st.Close()

	launcher := &session.CLILauncher{
		Command:   cfg.AgentCommand,
		ExtraArgs: cfg.AgentArgs,
		WorkDir:   cfg.WorkDir,
	}
	factory := func(graphID string) *session.Session {
		return session.New(launcher, st, graphID)
	}
	registry := session.NewRegistry(factory, st)
	session.SetDefault(registry)

	rtServer := realtime.New(registry, st, cfg.StaticDir)

	// Watch the graph export directory so clients refresh their views.
	graphWatch := watcher.New(cfg.GraphDir, rtServer.OnGraphUpdate)
	if err := graphWatch.Start(); err != nil {
		log.Printf("graph watcher disabled: %v", err)
	} else {
		defer graphWatch.Shutdown()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		registry.StopAll()
		httpServer.Close()
	}()

	log.Printf("mindgraph server running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
