// Package benchmark holds performance benchmarks for the snapshot path.
//
// Run benchmarks with:
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/...
//
// Compare the cost of a blocking save with the longest step of an
// incremental one:
//
//	go test -bench='Collect' -benchmem -count=5 ./internal/tests/benchmark/... | tee bench.txt
//	benchstat old.txt new.txt
package benchmark
