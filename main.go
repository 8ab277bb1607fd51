package main

import "github.com/danieldevos90/brutally-honest-ai-sub000/cmd"

func main() {
	cmd.Execute()
}
