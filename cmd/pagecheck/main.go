// Command pagecheck runs declarative browser acceptance tests.
package main

import "github.com/devicelab-dev/pagecheck/pkg/cli"

func main() {
	cli.Execute()
}
