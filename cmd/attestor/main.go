package main

import "price-attestor/internal/cli"

func main() {
	cli.Execute()
}
