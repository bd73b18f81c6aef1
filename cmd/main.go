// Package main provides the fsbo_spider command line: crawl FSBO listing
// sources once, or serve an HTTP API that starts crawls on demand.
package main

func main() {
	Execute()
}
