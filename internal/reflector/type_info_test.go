package reflector

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct{}

func TestTypeInfo(t *testing.T) {
	const want = "github.com/codewandler/aggregates-go/internal/reflector.sample"

	require.Equal(t, want, TypeInfoFor[sample]().Name)
	require.Equal(t, want, TypeInfoFor[*sample]().Name)
	require.Equal(t, want, TypeInfoOf(&sample{}).Name)
	require.Equal(t, reflect.TypeFor[sample](), TypeInfoOf(&sample{}).Type)
}

func TestTypeInfo_builtinAndUnnamed(t *testing.T) {
	require.Equal(t, "int", TypeInfoFor[int]().Name)
	require.Equal(t, "map[string]int", TypeInfoFor[map[string]int]().Name)
	require.Equal(t, TypeInfo{}, TypeInfoForType(nil))
}
