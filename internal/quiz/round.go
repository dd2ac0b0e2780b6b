package quiz

// Result is the outcome of one submitted answer.
type Result struct {
	Correct bool
	// Points awarded for this answer.
	Points int
	// Score is the running total after this answer.
	Score int
	Done  bool
}

// Round walks the questions of a database in order. Not safe for concurrent use.
type Round struct {
	db    *Database
	index int
	score int
}

func NewRound(db *Database) *Round {
	return &Round{db: db}
}

// Current returns the question awaiting an answer and its 1-based number.
func (r *Round) Current() (Question, int, bool) {
	if r.Done() {
		return Question{}, 0, false
	}
	return r.db.Questions[r.index], r.index + 1, true
}

// Submit answers the current question and advances. Wrong answers score
// nothing but still advance.
func (r *Round) Submit(answer int) (Result, error) {
	q, _, ok := r.Current()
	if !ok {
		return Result{}, ErrFinished
	}
	if answer < 0 || answer >= len(q.Answers) {
		return Result{}, ErrInvalidAnswer
	}
	res := Result{Correct: answer == q.Correct}
	if res.Correct {
		res.Points = PointsPerCorrect
		r.score += PointsPerCorrect
	}
	r.index++
	res.Score = r.score
	res.Done = r.Done()
	return res, nil
}

func (r *Round) Done() bool { return r.index >= len(r.db.Questions) }

func (r *Round) Score() int { return r.score }

func (r *Round) Len() int { return len(r.db.Questions) }
