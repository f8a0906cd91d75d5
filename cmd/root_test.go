package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/localbiz-harvester/internal/app"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Contains(t, names, "serve")
	require.Contains(t, names, "crawl")
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestCrawlRequiresLocationAndKeyword(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--keyword", "Software"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "location")
}

func TestAppFactoryErrorIsReported(t *testing.T) {
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(context.Context, string) (*app.App, error) {
		return nil, errors.New("boom")
	}

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services: boom")
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.EqualError(t, err, "application services not initialized")
}
