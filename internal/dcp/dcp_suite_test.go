package dcp

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDCP(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DCP Consumer Suite")
}
