// Curator sends batches of chat completion requests to a rate-limited API
// without exceeding its requests-per-minute and tokens-per-minute limits.
//
// Usage:
//
//	# Run a batch, resuming from an existing result file
//	curator run --input requests.jsonl --output results.jsonl
//
//	# Show the limits and prices each model resolves to
//	curator limits gpt-4o gpt-4o-mini
//
//	# Show version information
//	curator version
package main

func main() {
	Execute()
}
