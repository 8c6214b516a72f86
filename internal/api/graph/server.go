package graph

import (
	"context"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/service"
)

// GraphQL Schema定义，只读查询面
const schemaString = `
type PollOption {
  id: ID!
  text: String!
  count: Int!
}

type Poll {
  id: ID!
  question: String!
  options: [PollOption!]!
  expiresAt: String!
  isActive: Boolean!
  totalVotes: Int!
  createdAt: String!
}

type Query {
  # 查询单个投票的当前计票
  getPoll(id: ID!): Poll!

  # 查询所有活跃投票
  getActivePolls: [Poll!]!
}

schema {
  query: Query
}
`

// NewHandler 创建GraphQL HTTP处理器
func NewHandler(svc *service.PollService) http.Handler {
	resolver := &Resolver{svc: svc}
	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)
	return &relay.Handler{Schema: schema}
}

// Resolver GraphQL解析器
type Resolver struct {
	svc *service.PollService
}

// GetPoll 查询单个投票
func (r *Resolver) GetPoll(ctx context.Context, args struct{ ID graphql.ID }) (*PollResolver, error) {
	snapshot, err := r.svc.GetPoll(ctx, string(args.ID))
	if err != nil {
		return nil, err
	}
	return &PollResolver{snapshot: snapshot}, nil
}

// GetActivePolls 查询所有活跃投票
func (r *Resolver) GetActivePolls(ctx context.Context) ([]*PollResolver, error) {
	snapshots, err := r.svc.ActivePolls(ctx)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*PollResolver, 0, len(snapshots))
	for _, snapshot := range snapshots {
		resolvers = append(resolvers, &PollResolver{snapshot: snapshot})
	}
	return resolvers, nil
}

// PollResolver 投票快照解析器
type PollResolver struct {
	snapshot *model.TallySnapshot
}

func (r *PollResolver) ID() graphql.ID {
	return graphql.ID(r.snapshot.ID)
}

func (r *PollResolver) Question() string {
	return r.snapshot.Question
}

func (r *PollResolver) Options() []*OptionResolver {
	resolvers := make([]*OptionResolver, 0, len(r.snapshot.Options))
	for _, opt := range r.snapshot.Options {
		resolvers = append(resolvers, &OptionResolver{option: opt})
	}
	return resolvers
}

func (r *PollResolver) ExpiresAt() string {
	return r.snapshot.ExpiresAt.Format(time.RFC3339)
}

func (r *PollResolver) IsActive() bool {
	return r.snapshot.IsActive
}

func (r *PollResolver) TotalVotes() int32 {
	return int32(r.snapshot.TotalVotes)
}

func (r *PollResolver) CreatedAt() string {
	return r.snapshot.CreatedAt.Format(time.RFC3339)
}

// OptionResolver 选项解析器
type OptionResolver struct {
	option model.OptionView
}

func (r *OptionResolver) ID() graphql.ID {
	return graphql.ID(r.option.ID)
}

func (r *OptionResolver) Text() string {
	return r.option.Text
}

func (r *OptionResolver) Count() int32 {
	return int32(r.option.Count)
}

// PlaygroundHTML GraphQL Playground页面
const PlaygroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>LivePoll GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`
