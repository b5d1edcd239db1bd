package tasks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromDescriptors_ExternalAppendsLatest(t *testing.T) {
	set, err := FromDescriptors([]ImageDescriptor{
		{ServiceName: "redis", External: true, ImageRef: "redis"},
	})
	require.NoError(t, err)
	require.Len(t, set.Tasks, 1)
	require.Equal(t, "redis:latest", set.Tasks[0].ImageRef)
	require.True(t, set.Tasks[0].Resolved)
}

func TestFromDescriptors_BuildTaskDefaults(t *testing.T) {
	set, err := FromDescriptors([]ImageDescriptor{
		{ServiceName: "app", Context: "./"},
	})
	require.NoError(t, err)
	require.Equal(t, ".", set.Tasks[0].Context)
	require.False(t, set.Tasks[0].Resolved)
	require.NotNil(t, set.Tasks[0].BuildPack)
	require.NotNil(t, set.Tasks[0].BuildStream)
}

func TestFromDescriptors_DockerfilePathWithoutContextFails(t *testing.T) {
	_, err := FromDescriptors([]ImageDescriptor{
		{ServiceName: "app", DockerfilePath: "Dockerfile.alt"},
	})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestFromDescriptors_PreservesOrder(t *testing.T) {
	set, err := FromDescriptors([]ImageDescriptor{
		{ServiceName: "a", Context: "."},
		{ServiceName: "b", External: true, ImageRef: "alpine:3.18"},
		{ServiceName: "c", Context: "./c"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, []string{
		set.Tasks[0].ServiceName, set.Tasks[1].ServiceName, set.Tasks[2].ServiceName,
	})
}

func TestWaitResolved_UnblocksAfterMarkResolved(t *testing.T) {
	set, err := FromDescriptors([]ImageDescriptor{{ServiceName: "app", Context: "."}})
	require.NoError(t, err)
	task := set.Tasks[0]

	done := make(chan struct{})
	go func() {
		task.WaitResolved()
		close(done)
	}()

	task.ProjectType = "Standard Dockerfile"
	task.Resolved = true
	task.MarkResolved()

	<-done
}
