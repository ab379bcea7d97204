package counter_test

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/itchio/cloudlet/counter"
	"github.com/stretchr/testify/assert"
)

func Test_Count(t *testing.T) {
	cw := counter.NewWriter(ioutil.Discard)
	buf := []byte{1, 2, 3, 4, 5, 6}
	for i := 0; i < 6; i++ {
		cw.Write(buf)
	}

	assert.Equal(t, cw.Count(), int64(36))
}

func Test_NilWriter(t *testing.T) {
	cw := counter.NewWriter(nil)
	buf := []byte{1, 2, 3, 4, 5, 6}
	for i := 0; i < 6; i++ {
		cw.Write(buf)
	}

	assert.Equal(t, cw.Count(), int64(36))
}

func Test_Callback(t *testing.T) {
	count := int64(-1)
	onWrite := func(c int64) { count = c }

	cw := counter.NewWriterCallback(onWrite, nil)
	buf := []byte{1, 2, 3, 4, 5, 6}

	cw.Write(buf)
	assert.Equal(t, count, int64(6))

	cw.Write(buf)
	assert.Equal(t, count, int64(12))
}

func Test_Reader(t *testing.T) {
	var last int64
	cr := counter.NewReaderCallback(func(c int64) { last = c }, bytes.NewReader(make([]byte, 1000)))

	data, err := ioutil.ReadAll(cr)
	assert.NoError(t, err)
	assert.Len(t, data, 1000)
	assert.EqualValues(t, 1000, cr.Count())
	assert.EqualValues(t, 1000, last)
}
