// Command spendgate runs the safe mutation engine and operates on its queue.
//
// Usage:
//
//	# Run the engine with the API enabled in config.yaml
//	spendgate start --config config.yaml
//
//	# Rehearse end to end without touching the ad platform
//	spendgate start --dry-run --baseline 100
//
//	# Queue a change and follow it
//	spendgate submit ad_1 BUDGET_INCREASE 150 --reason "scale winner"
//	spendgate history <id>
//
//	# Check a configuration before deploying it
//	spendgate config check --config config.yaml
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
