package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	_ = godotenv.Load(".env.currencyscan")
	logging.SetDefaultLevel(logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	cli := NewCLI(os.Stdout)
	if err := cli.Run(os.Args[1:]); err != nil {
		log.Fatal("Error: ", err)
	}
}
