package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/iskrov/kotori-sub005/internal/platform"
	"github.com/iskrov/kotori-sub005/internal/server"
	"github.com/iskrov/kotori-sub005/internal/storage"
)

func main() {
	addr := flag.String("addr", envOr("KOTORI_ADDR", ":8470"), "listen address")
	mongoURI := flag.String("mongo", os.Getenv("KOTORI_MONGO_URI"), "MongoDB URI (empty: in-memory stores)")
	mongoDB := flag.String("db", envOr("KOTORI_MONGO_DB", "kotori"), "Mongo database name")
	identity := flag.String("identity", envOr("KOTORI_IDENTITY", "kotori-tagd"), "server identity bound into the key exchange")
	flag.Parse()

	logger := log.New(os.Stdout, "[tagd] ", log.LstdFlags)

	if err := platform.DisableCoreDumps(); err != nil {
		logger.Printf("core dumps not disabled: %v", err)
	}

	cfg := server.Config{
		MongoURI: *mongoURI,
		MongoDB:  *mongoDB,
		Identity: *identity,
	}

	var (
		s   *server.Server
		err error
	)
	if *mongoURI == "" {
		logger.Println("no MongoDB URI configured, using in-memory stores")
		s, err = server.NewWithStores(cfg, storage.NewMemoryTagStore(), storage.NewMemoryObjectStore())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s, err = server.New(ctx, cfg)
		cancel()
	}
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}

	logger.Printf("listening on %s", *addr)
	logger.Fatal(http.ListenAndServe(*addr, s.Handler()))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
