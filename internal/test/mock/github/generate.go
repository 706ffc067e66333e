package mock_github

//go:generate -command mockgen go run go.uber.org/mock/mockgen -package=$GOPACKAGE -destination=./mocks.go github.com/bnema/netkanctl/internal/github
//go:generate mockgen PullRequester
