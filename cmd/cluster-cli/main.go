package main

import (
	"briefly/cmd/cluster"
	"briefly/internal/logger"
)

func main() {
	logger.Init()
	cluster.Execute()
}
