package ircd_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRelayd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "relayd Suite")
}
