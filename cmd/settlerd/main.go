package main

import (
	"log"

	"stakearena/cmd/internal/passphrase"
	"stakearena/services/settlerd"
)

func main() {
	if err := settlerd.Main(settlerd.WithPassphrasePrompt(passphrase.Resolver)); err != nil {
		log.Fatalf("settlerd: %v", err)
	}
}
