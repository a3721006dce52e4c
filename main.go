package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"codecollab-server/bus"
	"codecollab-server/documents"
	"codecollab-server/gateway"
	roomsapi "codecollab-server/handlers/api/rooms"
	chathandler "codecollab-server/handlers/chat"
	"codecollab-server/handlers/collab"
	"codecollab-server/presence"
	"codecollab-server/relay"
	"codecollab-server/stores"
	"codecollab-server/tasks"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	store := stores.GetStore()
	roomStore := stores.NewRoomStore(store)
	sched := tasks.NewScheduler()
	docs := documents.NewCache(store, sched)
	dir := presence.NewDirectory(store)
	reg := relay.NewRegistry(docs, dir, sched, bus.GetBus())

	api := chi.NewRouter()
	api.Use(middleware.Logger)
	api.Use(middleware.Recoverer)
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "Host", "Connection", "Accept-Encoding", "Accept-Language", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	api.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", roomsapi.HandleCreate(roomStore))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", roomsapi.HandleGet(roomStore))
			r.Delete("/", roomsapi.HandleDelete(roomStore))
			r.Get("/users", roomsapi.HandleListUsers(roomStore, dir))
		})
	})

	sio := chathandler.SetupSocketIO(reg)

	srv := &http.Server{
		Addr:    *listenAddress,
		Handler: gateway.Handler(api, sio.ServeHandler(nil), collab.NewHandler(reg)),
	}

	go func() {
		logrus.WithField("addr", *listenAddress).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signals

	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown did not finish cleanly")
	}
	sio.Close(nil)
	reg.Shutdown(ctx)
	sched.Stop()
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Store close failed")
	}
}
