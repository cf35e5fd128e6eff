package persistence_test

import (
	"fmt"
	"log"

	"github.com/openfroyo/mgmtd/pkg/persistence"
)

// ExampleDecodeBootDocument shows the boot document layout. Addresses use
// the string form, or a list of single-key objects when a value contains
// a slash or brackets.
func ExampleDecodeBootDocument() {
	doc := []byte(`
version: 1
operations:
  - address: /subsystem=logging
    operation: add
    params:
      level: debug
  - address:
      - subsystem: logging
      - handler: file
    operation: add
    params:
      file: ${log.dir:/var/log}/server.log
  - address: /
    operation: write-attribute
    params:
      name: name
      value: edge-01
`)

	list, err := persistence.DecodeBootDocument(doc)
	if err != nil {
		log.Fatal(err)
	}
	for _, op := range list {
		fmt.Println(op.Name, op.Address)
	}
	fmt.Println("level:", list[0].Param("level").AsString())
	// Output:
	// add /subsystem=logging
	// add /subsystem=logging/handler=file
	// write-attribute /
	// level: debug
}
