package main

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"docktor/cmd"
	"docktor/internal/app/docktor"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
	"k8s.io/klog/v2"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	klog.InitFlags(nil)
	defer klog.Flush()

	cfg, err := cmd.Load(os.Args[1:])
	if errors.Is(err, arg.ErrHelp) {
		return
	}
	if err != nil {
		klog.Errorf("Invalid configuration: %v", err)
		klog.Flush()
		os.Exit(2)
	}
	_ = flag.Set("v", strconv.Itoa(cfg.LogVerbosity))

	if err := docktor.Run(cfg); err != nil {
		klog.Errorf("Error running docktor: %v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Info("Shutting down...")
}
