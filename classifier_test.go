package dispatcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ClassifierSuite struct {
	suite.Suite
	classifier *Classifier
}

func TestClassifierSuite(t *testing.T) {
	suite.Run(t, new(ClassifierSuite))
}

func (s *ClassifierSuite) SetupTest() {
	s.classifier = NewClassifier(testRegistry())
}

func (s *ClassifierSuite) TestDecodesRegisteredType() {
	raw := msg("1-0", dailyTriggerBody)

	evt, err := s.classifier.Classify(raw)

	s.Require().NoError(err)
	s.Assert().Equal("DailyTrigger", evt.Type)
	s.Assert().Equal(dailyTrigger{TenantID: "tenant_t1", UnitID: "unit_u1", Date: "2024-05-01"}, evt.Payload)
	s.Assert().Equal(raw, evt.Source)
}

func (s *ClassifierSuite) TestUnknownType() {
	_, err := s.classifier.Classify(msg("1-0", unknownBody))

	s.Assert().ErrorIs(err, ErrUnknownEventType)
	s.Assert().NotErrorIs(err, ErrMalformedPayload)

	var cerr *classifyError
	s.Require().True(errors.As(err, &cerr))
	s.Assert().Equal("Unknown42", cerr.eventType)
}

func (s *ClassifierSuite) TestMissingOrInvalidDiscriminatorIsUnknown() {
	tests := map[string]string{
		"missing":    `{"unitId":"unit_u1"}`,
		"empty":      `{"__type":""}`,
		"number":     `{"__type":42}`,
		"object":     `{"__type":{"name":"DailyTrigger"}}`,
		"wrong case": `{"__type":"dailytrigger"}`,
	}

	for name, body := range tests {
		s.Run(name, func() {
			_, err := s.classifier.Classify(msg("1-0", body))

			s.Assert().ErrorIs(err, ErrUnknownEventType)
			s.Assert().NotErrorIs(err, ErrMalformedPayload)
		})
	}
}

func (s *ClassifierSuite) TestMalformed() {
	tests := map[string]string{
		"invalid json":     `{"__type":"DailyTrigger",`,
		"not an object":    `["DailyTrigger"]`,
		"empty body":       ``,
		"guard fails":      `{"__type":"DailyTrigger","date":"2024-05-01"}`,
		"wrong field type": `{"__type":"DailyTrigger","unitId":7,"date":"2024-05-01"}`,
		"validation fails": malformedBody,
	}

	for name, body := range tests {
		s.Run(name, func() {
			_, err := s.classifier.Classify(msg("1-0", body))

			s.Assert().ErrorIs(err, ErrMalformedPayload)
			s.Assert().NotErrorIs(err, ErrUnknownEventType)
		})
	}
}

func (s *ClassifierSuite) TestMalformedKeepsEventType() {
	_, err := s.classifier.Classify(msg("1-0", malformedBody))

	var cerr *classifyError
	s.Require().True(errors.As(err, &cerr))
	s.Assert().Equal("DailyTrigger", cerr.eventType)
	s.Assert().ErrorContains(err, "date must be YYYY-MM-DD")
}

func (s *ClassifierSuite) TestIsIdempotent() {
	for _, body := range []string{dailyTriggerBody, unknownBody, malformedBody} {
		raw := msg("1-0", body)

		first, firstErr := s.classifier.Classify(raw)
		second, secondErr := s.classifier.Classify(raw)

		s.Assert().Equal(first, second, body)
		s.Assert().Equal(firstErr, secondErr, body)
	}
}

func (s *ClassifierSuite) TestDoesNotMutateBody() {
	body := []byte(dailyTriggerBody)
	raw := RawMessage{ID: "1-0", Body: body}

	_, err := s.classifier.Classify(raw)

	s.Require().NoError(err)
	s.Assert().Equal(dailyTriggerBody, string(body))
}

func (s *ClassifierSuite) TestCustomDiscriminatorField() {
	c := NewClassifier(testRegistry(), WithDiscriminatorField("meta.type"))

	evt, err := c.Classify(msg("1-0", `{"meta":{"type":"AnswerSubmitted"},"unitId":"unit_u1","answerId":"answer_1"}`))

	s.Require().NoError(err)
	s.Assert().Equal("AnswerSubmitted", evt.Type)
}

func (s *ClassifierSuite) TestDiscriminator() {
	s.Assert().Equal("Unknown42", s.classifier.Discriminator(msg("1-0", unknownBody)))
	s.Assert().Empty(s.classifier.Discriminator(msg("1-0", `not json`)))
	s.Assert().Empty(s.classifier.Discriminator(msg("1-0", `{"__type":1}`)))
}
